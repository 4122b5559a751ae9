package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/creatorq/internal/cache"
	"github.com/nadmax/creatorq/internal/config"
	"github.com/nadmax/creatorq/internal/metrics"
	"github.com/nadmax/creatorq/internal/registry"
	"github.com/nadmax/creatorq/internal/task"
	"github.com/nadmax/creatorq/internal/workflow"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEvery_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		runEvery(ctx, time.Millisecond, func() { calls.Add(1) })
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runEvery did not return after cancel")
	}
}

func TestReapTasks(t *testing.T) {
	now := time.Now()
	reg := registry.NewWithClock(func() time.Time { return now })

	finished := reg.Create("channel_health", task.Payload{}, "k1")
	require.NoError(t, reg.Start(finished.ID))
	require.NoError(t, reg.Complete(finished.ID, task.Payload{}))

	running := reg.Create("channel_health", task.Payload{}, "k2")
	require.NoError(t, reg.Start(running.ID))

	now = now.Add(2 * time.Hour)
	reapTasks(reg, time.Hour)

	_, err := reg.Get(finished.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = reg.Get(running.ID)
	assert.NoError(t, err)
}

func TestSweepAndUpdateMetrics(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(time.Minute, 0)
	c.Set(ctx, "channel_health:live", []byte(`{}`), time.Minute)
	c.Set(ctx, "channel_health:stale", []byte(`{}`), time.Nanosecond)
	time.Sleep(time.Millisecond)

	metrics.CacheEvictions.Reset()
	sweepCache(ctx, c)

	metric := &dto.Metric{}
	require.NoError(t, metrics.CacheEvictions.WithLabelValues("sweep").Write(metric))
	assert.Equal(t, 1.0, metric.Counter.GetValue())

	reg := registry.New()
	reg.Create("video_analysis", task.Payload{}, "k")
	updateMetrics(ctx, reg, c)

	metric = &dto.Metric{}
	require.NoError(t, metrics.CacheEntries.Write(metric))
	assert.Equal(t, 1.0, metric.Gauge.GetValue())

	metric = &dto.Metric{}
	require.NoError(t, metrics.TasksByStatus.WithLabelValues("pending", "video_analysis").Write(metric))
	assert.Equal(t, 1.0, metric.Gauge.GetValue())
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0))
	assert.Nil(t, newLimiter(-1))

	l := newLimiter(0.5)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())

	l = newLimiter(5)
	assert.Equal(t, 5, l.Burst())
}

func TestNewCatalog(t *testing.T) {
	t.Setenv("CREATORQ_WORKFLOW_TTL", "video_analysis:24h")
	cfg, err := config.Load()
	require.NoError(t, err)

	catalog := newCatalog(cfg)

	assert.ElementsMatch(t, []string{
		workflow.ChannelHealth,
		workflow.VideoAnalysis,
		workflow.Monetization,
		workflow.RevenuePlaybook,
	}, catalog.Names())

	def, err := catalog.Get(workflow.VideoAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, def.TTL)
	assert.Equal(t, cfg.VideoTimeout, def.Stages[0].Timeout)

	playbook, err := catalog.Get(workflow.RevenuePlaybook)
	require.NoError(t, err)
	monetization, err := catalog.Get(workflow.Monetization)
	require.NoError(t, err)
	assert.Same(t, playbook.Stages[2].Limiter, monetization.Stages[3].Limiter, "chat stages share one limiter")
}

func TestNewCache_DefaultsToMemory(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	c, closeCache, err := newCache(cfg)
	require.NoError(t, err)
	defer closeCache()

	assert.Equal(t, "memory", c.Stats(context.Background()).Backend)
}

func TestNewRepository_DisabledWithoutDSN(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	repo, err := newRepository(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, repo)
}
