package usage

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"OpenLLM-Gateway/internal/ledger"
	"OpenLLM-Gateway/internal/model"
	"OpenLLM-Gateway/internal/provider"
	"OpenLLM-Gateway/internal/token"
)

type fakeUsageStore struct {
	mu        sync.Mutex
	records   []*Record
	deducted  map[string]int64
	insertErr error
	deductErr error
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{deducted: make(map[string]int64)}
}

func (s *fakeUsageStore) InsertRecord(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakeUsageStore) DeductBalance(ctx context.Context, tokenID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deductErr != nil {
		return s.deductErr
	}
	s.deducted[tokenID] += amount
	return nil
}

type fakeInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeInvalidator) Invalidate(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestRecorderCompletedAttempt(t *testing.T) {
	store := newFakeUsageStore()
	inv := &fakeInvalidator{}
	queue := ledger.NewMemoryQueue(4)
	defer queue.Close()

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	recorder := NewRecorder(store, queue, inv, WithRecorderClock(func() time.Time { return fixed }))

	cost := recorder.Record(context.Background(), Attempt{
		RequestID:   "req-1",
		Token:       &token.ValidationResult{TokenID: "tok-1", SecretHash: "hash-1", Owner: "alice"},
		Model:       &model.Config{ID: "deepseek-chat", Provider: "deepseek", PriceIn: 0.14, PriceOut: 0.28},
		Application: "billing-report",
		Operation:   "chat",
		Usage:       &provider.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
		Status:      StatusCompleted,
	})

	if !approx(cost.Input, 0.0056) || !approx(cost.Output, 0.0028) || !approx(cost.Total, 0.0084) {
		t.Fatalf("unexpected cost: %+v", cost)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(store.records))
	}
	record := store.records[0]
	if record.Status != StatusCompleted || record.TotalTokens != 50 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.CreatedAt != fixed {
		t.Fatalf("unexpected record time: %v", record.CreatedAt)
	}
	if store.deducted["tok-1"] != 50 {
		t.Fatalf("expected 50 tokens deducted, got %d", store.deducted["tok-1"])
	}
	if len(inv.keys) != 1 || inv.keys[0] != "hash-1" {
		t.Fatalf("cache invalidation not triggered: %v", inv.keys)
	}
}

func TestRecorderFailedAttemptSkipsDeduction(t *testing.T) {
	store := newFakeUsageStore()
	inv := &fakeInvalidator{}
	recorder := NewRecorder(store, nil, inv)

	recorder.Record(context.Background(), Attempt{
		RequestID: "req-2",
		Token:     &token.ValidationResult{TokenID: "tok-1", SecretHash: "hash-1"},
		Model:     &model.Config{ID: "gpt-4o", Provider: "openai", PriceIn: 0.0025, PriceOut: 0.01},
		Usage:     &provider.Usage{PromptTokens: 12},
		Status:    StatusFailed,
		Stage:     StageProvider,
		Err:       errors.New("上游超时"),
	})

	if len(store.records) != 1 {
		t.Fatalf("failed attempts must be persisted, got %d records", len(store.records))
	}
	record := store.records[0]
	if record.Stage != StageProvider || record.ErrorMessage == "" {
		t.Fatalf("unexpected failed record: %+v", record)
	}
	if record.TotalTokens != 12 {
		t.Fatalf("total should default to the sum of parts, got %d", record.TotalTokens)
	}
	if len(store.deducted) != 0 {
		t.Fatalf("failed attempts must not deduct balance: %v", store.deducted)
	}
	if len(inv.keys) != 0 {
		t.Fatalf("failed attempts must not invalidate cache: %v", inv.keys)
	}
}

func TestRecorderSyntheticTokenSkipsDeduction(t *testing.T) {
	store := newFakeUsageStore()
	recorder := NewRecorder(store, nil, nil)

	recorder.Record(context.Background(), Attempt{
		RequestID: "req-3",
		Token:     &token.ValidationResult{TokenID: "ephemeral-abc", Synthetic: true},
		Model:     &model.Config{ID: "glm-4", Provider: "zhipu", PriceIn: 0.0001, PriceOut: 0.0001},
		Usage:     &provider.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
		Status:    StatusCompleted,
	})

	if len(store.deducted) != 0 {
		t.Fatalf("synthetic tokens must not deduct balance: %v", store.deducted)
	}
}

func TestRecorderNeverReturnsError(t *testing.T) {
	store := newFakeUsageStore()
	store.insertErr = errors.New("数据库不可用")
	store.deductErr = errors.New("数据库不可用")
	recorder := NewRecorder(store, nil, nil)

	cost := recorder.Record(context.Background(), Attempt{
		RequestID: "req-4",
		Token:     &token.ValidationResult{TokenID: "tok-1", SecretHash: "hash-1"},
		Model:     &model.Config{ID: "deepseek-chat", Provider: "deepseek", PriceIn: 0.14, PriceOut: 0.28},
		Usage:     &provider.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
		Status:    StatusCompleted,
	})

	if !approx(cost.Total, 0.0084) {
		t.Fatalf("cost should still be returned when persistence fails: %+v", cost)
	}
}
