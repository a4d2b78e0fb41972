package lru

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := New[int](3, 0)
	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("k%d", i), i)
	}

	if _, ok := cache.Get("k0"); !ok {
		t.Fatalf("expected k0 to be cached")
	}

	cache.Set("k3", 3)

	if _, ok := cache.Get("k1"); ok {
		t.Fatalf("expected k1 to be evicted as least recently used")
	}
	if _, ok := cache.Get("k0"); !ok {
		t.Fatalf("expected recently touched k0 to survive eviction")
	}
	if cache.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", cache.Len())
	}
}

func TestCacheExpiresByTTL(t *testing.T) {
	cache := New[string](10, time.Minute)
	current := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return current }

	cache.Set("token", "cached")
	if _, ok := cache.Get("token"); !ok {
		t.Fatalf("expected fresh entry to hit")
	}

	current = current.Add(59 * time.Second)
	if _, ok := cache.Get("token"); !ok {
		t.Fatalf("entry inside freshness window should hit")
	}

	current = current.Add(2 * time.Second)
	if _, ok := cache.Get("token"); ok {
		t.Fatalf("entry past TTL should miss")
	}
	if cache.Len() != 0 {
		t.Fatalf("expired entry should be removed, len=%d", cache.Len())
	}
}

func TestCacheSetRefreshesInsertedAt(t *testing.T) {
	cache := New[string](10, time.Minute)
	current := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return current }

	cache.Set("k", "v1")
	current = current.Add(50 * time.Second)
	cache.Set("k", "v2")
	current = current.Add(30 * time.Second)

	value, ok := cache.Get("k")
	if !ok {
		t.Fatalf("rewritten entry should still be fresh")
	}
	if value != "v2" {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestCacheDelete(t *testing.T) {
	cache := New[int](2, 0)
	cache.Set("a", 1)
	cache.Delete("a")
	if _, ok := cache.Get("a"); ok {
		t.Fatalf("deleted entry should miss")
	}
	cache.Delete("missing")
}
