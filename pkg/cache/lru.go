// Package cache provides an in-memory LRU cache with TTL, used to keep
// compiled rule sets between scans of the same rule selection.
package cache

import (
	"sync"
	"time"
)

// entry holds a cached value with its expiration time and last access.
type entry[V any] struct {
	value     V
	expiresAt time.Time
	usedAt    time.Time
}

// LRUCache is a thread-safe in-memory cache with TTL and max-size eviction.
// When the cache reaches maxSize, the least recently used entry is evicted to
// make room for new entries. Expired entries are lazily evicted on Get.
type LRUCache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewLRUCache creates a new LRU cache with the given maximum size and TTL.
// maxSize < 1 is raised to 1; ttl <= 0 defaults to ten minutes.
func NewLRUCache[V any](maxSize int, ttl time.Duration) *LRUCache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LRUCache[V]{
		items:   make(map[string]*entry[V], maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves a cached value by key. Returns the zero value and false if
// the key is missing or expired.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}

	now := c.now()
	if now.After(e.expiresAt) {
		delete(c.items, key)
		return zero, false
	}

	e.usedAt = now
	return e.value, true
}

// Set stores a value in the cache, evicting the least recently used entry if
// the cache is full.
func (c *LRUCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.items[key]; !ok && len(c.items) >= c.maxSize {
		c.evictLeastRecent()
	}
	c.items[key] = &entry[V]{
		value:     value,
		expiresAt: now.Add(c.ttl),
		usedAt:    now,
	}
}

// Invalidate removes a specific key from the cache.
func (c *LRUCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// InvalidateAll removes all entries from the cache.
func (c *LRUCache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[V], c.maxSize)
}

// Size returns the number of entries currently in the cache, including
// expired ones not yet evicted.
func (c *LRUCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictLeastRecent must be called with c.mu held.
func (c *LRUCache[V]) evictLeastRecent() {
	var oldestKey string
	var oldest time.Time
	first := true

	for k, e := range c.items {
		if first || e.usedAt.Before(oldest) {
			oldestKey = k
			oldest = e.usedAt
			first = false
		}
	}

	if !first {
		delete(c.items, oldestKey)
	}
}
