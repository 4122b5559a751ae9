package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupMemoryCache(t *testing.T) (*MemoryCache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewMemoryCacheWithClock(time.Hour, time.Hour, clock.Now), clock
}

func TestMemoryCache_SetGet(t *testing.T) {
	c, _ := setupMemoryCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "channel_health:a")
	assert.False(t, ok)

	c.Set(ctx, "channel_health:a", []byte(`{"subscribers":100000}`), time.Minute)

	got, ok := c.Get(ctx, "channel_health:a")
	require.True(t, ok)
	assert.JSONEq(t, `{"subscribers":100000}`, string(got))

	stats := c.Stats(ctx)
	assert.Equal(t, uint64(1), stats.HitCount)
	assert.Equal(t, uint64(1), stats.MissCount)
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, "memory", stats.Backend)
}

func TestMemoryCache_Expiry(t *testing.T) {
	const ttl = 5 * time.Minute

	tests := []struct {
		name    string
		elapsed time.Duration
		present bool
	}{
		{"fresh", 0, true},
		{"just before ttl", ttl - time.Nanosecond, true},
		{"exactly ttl", ttl, false},
		{"after ttl", ttl + time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clock := setupMemoryCache(t)
			ctx := context.Background()

			c.Set(ctx, "k", []byte("v"), ttl)
			clock.Advance(tt.elapsed)

			_, ok := c.Get(ctx, "k")
			assert.Equal(t, tt.present, ok)
		})
	}
}

func TestMemoryCache_SetOverwritesAndResetsTimestamps(t *testing.T) {
	c, clock := setupMemoryCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("old"), time.Minute)
	clock.Advance(50 * time.Second)
	c.Set(ctx, "k", []byte("new"), time.Minute)
	clock.Advance(50 * time.Second)

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "new", string(got))

	stats := c.Stats(ctx)
	assert.Equal(t, 50*time.Second, stats.OldestEntryAge)
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c, clock := setupMemoryCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 0)
	clock.Advance(59 * time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryCache_ValueIsSnapshot(t *testing.T) {
	c, _ := setupMemoryCache(t)
	ctx := context.Background()

	value := []byte("abc")
	c.Set(ctx, "k", value, time.Minute)
	value[0] = 'z'

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	got[1] = 'z'

	again, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryCache_Clear(t *testing.T) {
	c, _ := setupMemoryCache(t)
	ctx := context.Background()

	c.Set(ctx, "channel_health:a", []byte("1"), time.Minute)
	c.Set(ctx, "video_analysis:b", []byte("2"), time.Minute)
	_, _ = c.Get(ctx, "channel_health:a")

	removed := c.Clear(ctx)
	assert.Equal(t, 2, removed)

	stats := c.Stats(ctx)
	assert.Equal(t, 0, stats.EntryCount)
	assert.Equal(t, uint64(1), stats.HitCount, "counters survive clear")

	_, ok := c.Get(ctx, "channel_health:a")
	assert.False(t, ok)
}

func TestMemoryCache_SweepAndStats(t *testing.T) {
	c, clock := setupMemoryCache(t)
	ctx := context.Background()

	c.Set(ctx, "channel_health:a", []byte("1"), time.Minute)
	c.Set(ctx, "channel_health:b", []byte("2"), 10*time.Minute)
	c.Set(ctx, "video_analysis:c", []byte("3"), 10*time.Minute)
	clock.Advance(2 * time.Minute)

	stats := c.Stats(ctx)
	assert.Equal(t, 2, stats.EntryCount)
	assert.Equal(t, 1, stats.ExpiredCount)
	assert.Equal(t, map[string]int{"channel_health": 1, "video_analysis": 1}, stats.Workflows)
	assert.Equal(t, 2*time.Minute, stats.OldestEntryAge)
	assert.Equal(t, 120.0, stats.OldestAgeSecs)

	removed := c.Sweep(ctx)
	assert.Equal(t, 1, removed)

	stats = c.Stats(ctx)
	assert.Equal(t, 2, stats.EntryCount)
	assert.Equal(t, 0, stats.ExpiredCount)
}

func TestMemoryCache_ConcurrentSetLastWriteWins(t *testing.T) {
	c := NewMemoryCache(time.Hour, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Set(ctx, "k", []byte{byte(i)}, time.Minute)
			_, _ = c.Get(ctx, "k")
		}()
	}
	wg.Wait()

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Len(t, got, 1)

	stats := c.Stats(ctx)
	assert.Equal(t, uint64(51), stats.HitCount)
}

func TestKey(t *testing.T) {
	a, err := Key("channel_health", map[string]any{"handle": "seytonic", "features": []string{"x"}})
	require.NoError(t, err)
	b, err := Key("channel_health", map[string]any{"features": []string{"x"}, "handle": "seytonic"})
	require.NoError(t, err)
	other, err := Key("revenue_playbook", map[string]any{"handle": "seytonic", "features": []string{"x"}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.Equal(t, "channel_health", WorkflowOf(a))
	assert.Equal(t, "unknown", WorkflowOf("nocolon"))
}

func TestKey_Unencodable(t *testing.T) {
	_, err := Key("channel_health", map[string]any{"fn": func() {}})

	assert.Error(t, err)
}
