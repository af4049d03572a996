// Package cache provides an in-memory LRU cache with TTL for immutable
// content such as blobs addressed by their content id.
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// entry holds a cached value with its expiration time.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	// Evictions counts entries dropped to make room for a new one.
	Evictions uint64
	// Expirations counts entries dropped on read because their TTL passed.
	Expirations uint64
	Size        int
}

// LRUCache is a thread-safe least-recently-used cache with a per-entry TTL.
// When the cache reaches maxSize, the least recently read entry is evicted.
// Expired entries are lazily evicted on Get.
type LRUCache struct {
	items *lru.Cache
	ttl   time.Duration

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// NewLRUCache creates a new LRU cache with the given maximum size and TTL.
// maxSize must be >= 1; ttl must be > 0.
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &LRUCache{ttl: ttl}
	// New only fails for a non-positive size.
	c.items, _ = lru.New(maxSize)
	return c
}

// Get retrieves a cached value by key. Returns (nil, false) if the key is
// missing or expired.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e := v.(*entry)
	if time.Now().After(e.expiresAt) {
		c.items.Remove(key)
		c.expirations.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores a value in the cache, replacing any existing entry for key.
func (c *LRUCache) Set(key string, value []byte) {
	if c.items.Add(key, &entry{value: value, expiresAt: time.Now().Add(c.ttl)}) {
		c.evictions.Add(1)
	}
}

// Invalidate removes a specific key from the cache.
func (c *LRUCache) Invalidate(key string) {
	c.items.Remove(key)
}

// InvalidateAll removes all entries from the cache.
func (c *LRUCache) InvalidateAll() {
	c.items.Purge()
}

// Size returns the number of entries currently in the cache (including
// potentially expired ones that haven't been lazily cleaned).
func (c *LRUCache) Size() int {
	return c.items.Len()
}

// Stats returns the current counters.
func (c *LRUCache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Size:        c.items.Len(),
	}
}
