// Package lru 提供一个带容量上限和绝对 TTL 的并发安全缓存。
// 令牌校验与模型解析共用同一实现，只是容量和 TTL 参数不同。
package lru

import (
	"container/list"
	"sync"
	"time"
)

// Cache 按 LRU 策略淘汰超出容量的条目，按插入时间淘汰过期条目。
// 过期判断基于写入时刻，命中不会刷新 TTL。
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

// New 创建缓存实例。capacity 必须为正数，ttl<=0 表示条目永不过期。
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[V]{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Get 返回缓存值。过期条目会被当场移除并按未命中处理。
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	ent := elem.Value.(*entry[V])
	if c.ttl > 0 && c.now().Sub(ent.insertedAt) >= c.ttl {
		c.removeLocked(elem)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return ent.value, true
}

// Set 写入缓存值，容量满时淘汰最久未使用的条目。
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[V])
		ent.value = value
		ent.insertedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	elem := c.order.PushFront(&entry[V]{key: key, value: value, insertedAt: c.now()})
	c.items[key] = elem
}

// Delete 显式移除一个键，键不存在时为空操作。
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

// Len 返回当前条目数量，含尚未被动淘汰的过期条目。
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry[V])
	delete(c.items, ent.key)
	c.order.Remove(elem)
}
