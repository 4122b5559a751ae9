package main

import (
	"context"
	"log"
	"time"

	"github.com/nadmax/creatorq/internal/cache"
	"github.com/nadmax/creatorq/internal/metrics"
	"github.com/nadmax/creatorq/internal/registry"
)

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func reapTasks(reg *registry.Registry, retention time.Duration) {
	if removed := reg.Evict(retention); removed > 0 {
		log.Printf("Evicted %d finished tasks older than %v", removed, retention)
	}
}

func sweepCache(ctx context.Context, c cache.Cache) {
	metrics.RecordCacheEvictions("sweep", c.Sweep(ctx))
}

func updateMetrics(ctx context.Context, reg *registry.Registry, c cache.Cache) {
	metrics.UpdateTaskGauges(reg.Counts())
	metrics.UpdateCacheEntries(c.Stats(ctx).EntryCount)
}
