package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a size-bounded LRU with optional TTL expiration.
//
// Thread-safe: the underlying expirable LRU is internally locked.
type Cache[K comparable, V any] struct {
	lru     *expirable.LRU[K, V]
	ttl     time.Duration
	maxSize int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache.
// maxSize: Maximum number of entries (use 0 for unlimited)
// ttl: Time-to-live for cached entries (use 0 for no expiration)
func New[K comparable, V any](maxSize int, ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		lru:     expirable.NewLRU[K, V](maxSize, nil, ttl),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the cached value for key.
// Always misses when caching is disabled (STACKFS_CACHE=0).
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if Disabled {
		var zero V
		return zero, false
	}
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores a value, evicting the least recently used entry when full.
// No-op if caching is disabled (STACKFS_CACHE=0).
func (c *Cache[K, V]) Set(key K, value V) {
	if Disabled {
		return
	}
	c.lru.Add(key, value)
}

// Invalidate clears all entries from the cache.
func (c *Cache[K, V]) Invalidate() {
	c.lru.Purge()
}

// InvalidateKey removes one key.
func (c *Cache[K, V]) InvalidateKey(key K) {
	c.lru.Remove(key)
}

// InvalidateFunc removes every key for which match returns true.
// Useful for invalidating all entries under a directory.
func (c *Cache[K, V]) InvalidateFunc(match func(K) bool) {
	for _, k := range c.lru.Keys() {
		if match(k) {
			c.lru.Remove(k)
		}
	}
}

// Size returns the current number of entries in the cache.
func (c *Cache[K, V]) Size() int {
	return c.lru.Len()
}

// Stats describes cache usage.
type Stats struct {
	Size    int
	MaxSize int
	TTL     time.Duration
	Hits    uint64
	Misses  uint64
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
