package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "creatorq:cache:"
	scanBatch        = 100
)

// RedisCache stores entries as JSON envelopes with a native Redis TTL. Hit and
// miss counters are process-local.
type RedisCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	now        Clock
	hits       atomic.Uint64
	misses     atomic.Uint64
	corrupt    atomic.Uint64
}

func NewRedisCache(redisAddr, prefix string, defaultTTL time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &RedisCache{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("Cache lookup failed for %s: %v", shortKey(key), err)
		}
		c.misses.Add(1)
		return nil, false
	}

	e, err := decodeEntry(data)
	if err != nil {
		c.dropCorrupt(ctx, c.prefix+key, err)
		c.misses.Add(1)
		return nil, false
	}

	if e.expired(c.now()) {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return e.Value, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	data, err := json.Marshal(&entry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		log.Printf("failed to encode cache entry %s: %v", shortKey(key), err)
		return
	}

	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		log.Printf("failed to store cache entry %s: %v", shortKey(key), err)
	}
}

func (c *RedisCache) Clear(ctx context.Context) int {
	removed := 0
	err := c.scan(ctx, func(keys []string) error {
		n, err := c.client.Del(ctx, keys...).Result()
		removed += int(n)
		return err
	})
	if err != nil {
		log.Printf("failed to clear cache: %v", err)
	}

	log.Printf("Cleared %d cache entries", removed)
	return removed
}

// Sweep removes envelopes that are expired by the clock or cannot be decoded.
// Redis already drops keys whose TTL has elapsed.
func (c *RedisCache) Sweep(ctx context.Context) int {
	removed := 0
	now := c.now()
	err := c.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			data, err := c.client.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}

			e, err := decodeEntry(data)
			if err != nil {
				c.dropCorrupt(ctx, k, err)
				removed++
				continue
			}
			if e.expired(now) {
				n, err := c.client.Del(ctx, k).Result()
				if err != nil {
					return err
				}
				removed += int(n)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("failed to sweep cache: %v", err)
	}

	return removed
}

func (c *RedisCache) Stats(ctx context.Context) Stats {
	stats := newStats("redis")
	stats.HitCount = c.hits.Load()
	stats.MissCount = c.misses.Load()

	now := c.now()
	err := c.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			data, err := c.client.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}

			e, err := decodeEntry(data)
			if err != nil {
				continue
			}
			stats.observe(k[len(c.prefix):], e, now)
		}
		return nil
	})
	if err != nil {
		log.Printf("failed to collect cache stats: %v", err)
	}

	stats.CorruptCount = c.corrupt.Load()
	stats.finish()
	return stats
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) scan(ctx context.Context, fn func(keys []string) error) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()

	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}

	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func (c *RedisCache) dropCorrupt(ctx context.Context, fullKey string, cause error) {
	c.corrupt.Add(1)
	log.Printf("Dropping corrupt cache entry %s: %v", fullKey, cause)
	if err := c.client.Del(ctx, fullKey).Err(); err != nil {
		log.Printf("failed to delete corrupt cache entry %s: %v", fullKey, err)
	}
}

func decodeEntry(data []byte) (*entry, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.ExpiresAt.IsZero() {
		return nil, errors.New("cache entry has no expiry")
	}
	return &e, nil
}

func shortKey(key string) string {
	if len(key) > 24 {
		return key[:24] + "..."
	}
	return key
}
