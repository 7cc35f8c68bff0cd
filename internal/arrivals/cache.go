package arrivals

import (
	"sync"
	"time"
)

// Cache is a small in-memory TTL cache for arrivals responses.
type Cache[V any] struct {
	mu          sync.RWMutex
	entries     map[string]cacheEntry[V]
	ttl         time.Duration
	lastCleanup time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// cleanupEvery bounds how often Set sweeps expired entries.
const cleanupEvery = 5 * time.Minute

// NewCache creates a cache with the given TTL.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		entries:     make(map[string]cacheEntry[V]),
		ttl:         ttl,
		lastCleanup: time.Now(),
	}
}

// Get retrieves a cached value if it exists and hasn't expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores a value in the cache.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastCleanup) > cleanupEvery {
		c.cleanupLocked(now)
	}
	c.entries[key] = cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(c.ttl),
	}
}

func (c *Cache[V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(time.Now())
}

func (c *Cache[V]) cleanupLocked(now time.Time) {
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.lastCleanup = now
}
