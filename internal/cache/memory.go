package cache

import (
	"context"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is the process-local backend. go-cache holds the entries and its
// janitor reclaims space; visibility is decided against the injected clock.
type MemoryCache struct {
	mu         sync.Mutex
	items      *gocache.Cache
	defaultTTL time.Duration
	now        Clock
	hits       uint64
	misses     uint64
}

func NewMemoryCache(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	return NewMemoryCacheWithClock(defaultTTL, cleanupInterval, time.Now)
}

func NewMemoryCacheWithClock(defaultTTL, cleanupInterval time.Duration, now Clock) *MemoryCache {
	return &MemoryCache{
		items:      gocache.New(defaultTTL, cleanupInterval),
		defaultTTL: defaultTTL,
		now:        now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.items.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}

	e := v.(*entry)
	if e.expired(c.now()) {
		c.items.Delete(key)
		c.misses++
		return nil, false
	}

	c.hits++
	return copyBytes(e.Value), true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items.Set(key, &entry{
		Value:     copyBytes(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, ttl)
}

func (c *MemoryCache) Clear(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.items.ItemCount()
	c.items.Flush()
	log.Printf("Cleared %d cache entries", count)
	return count
}

func (c *MemoryCache) Sweep(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.items.ItemCount()
	now := c.now()
	for key, item := range c.items.Items() {
		if item.Object.(*entry).expired(now) {
			c.items.Delete(key)
		}
	}
	c.items.DeleteExpired()

	removed := before - c.items.ItemCount()
	if removed > 0 {
		log.Printf("Cleared %d expired cache entries", removed)
	}
	return removed
}

func (c *MemoryCache) Stats(_ context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := newStats("memory")
	stats.HitCount = c.hits
	stats.MissCount = c.misses

	now := c.now()
	items := c.items.Items()
	for key, item := range items {
		stats.observe(key, item.Object.(*entry), now)
	}
	stats.ExpiredCount += c.items.ItemCount() - len(items)
	stats.finish()

	return stats
}
