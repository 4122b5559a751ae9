package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/creatorq/internal/api"
	"github.com/nadmax/creatorq/internal/cache"
	"github.com/nadmax/creatorq/internal/config"
	"github.com/nadmax/creatorq/internal/notify"
	"github.com/nadmax/creatorq/internal/orchestrator"
	"github.com/nadmax/creatorq/internal/registry"
	"github.com/nadmax/creatorq/internal/report"
	"github.com/nadmax/creatorq/internal/repository"
	"github.com/nadmax/creatorq/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const serviceName = "creatorq"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("failed to flush traces: %v", err)
		}
	}()

	c, closeCache, err := newCache(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	pg, err := newRepository(ctx, cfg)
	if err != nil {
		return err
	}

	var repo repository.TaskRepository
	if pg != nil {
		repo = pg
		defer func() {
			if err := pg.Close(); err != nil {
				log.Printf("failed to close task history: %v", err)
			}
		}()
	}

	reg := registry.New()
	orch := orchestrator.New(reg, c, newCatalog(cfg))
	orch.SetPolicy(orchestrator.Policy{
		MaxAttempts:     cfg.RetryAttempts,
		InitialInterval: cfg.RetryInitial,
		Multiplier:      cfg.RetryMultiplier,
		MaxInterval:     cfg.RetryMaxInterval,
		MaxElapsedTime:  cfg.RetryMaxElapsed,
		AttemptTimeout:  cfg.FetchTimeout,
	})
	if repo != nil {
		orch.SetRepository(repo)
	}
	if cfg.NotificationsEnabled() {
		orch.SetNotifier(notify.NewEmailNotifier(cfg.EmailAPIKey, cfg.EmailFromName, cfg.EmailFromAddress, cfg.NotifyTo, cfg.NotifyFailuresOnly))
		log.Printf("E-mail notifications enabled for %s", cfg.NotifyTo)
	}

	handler := api.NewAPI(orch, reg, c, repo)
	if pg != nil {
		handler.SetReports(report.NewGenerator(pg.DB()))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, cfg.SweepInterval, func() { reapTasks(reg, cfg.TaskRetention) })
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, cfg.SweepInterval, func() { sweepCache(gctx, c) })
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, cfg.MetricsInterval, func() { updateMetrics(gctx, reg, c) })
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("failed to shut down http server: %v", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Printf("in-flight runs cancelled: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func newCache(cfg *config.Config) (cache.Cache, func(), error) {
	if cfg.RedisAddr == "" {
		log.Printf("Using in-memory result cache")
		return cache.NewMemoryCache(cfg.CacheTTL, cfg.SweepInterval), func() {}, nil
	}

	rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.CachePrefix, cfg.CacheTTL)
	if err != nil {
		return nil, nil, err
	}

	log.Printf("Connected to Redis at %s", cfg.RedisAddr)
	return rc, func() {
		if err := rc.Close(); err != nil {
			log.Printf("failed to close Redis cache: %v", err)
		}
	}, nil
}

// newRepository returns nil when no DSN is configured.
func newRepository(ctx context.Context, cfg *config.Config) (*repository.PostgresTaskRepository, error) {
	if cfg.PostgresDSN == "" {
		log.Printf("Task history disabled (no Postgres DSN)")
		return nil, nil
	}

	repo, err := repository.NewPostgresTaskRepository(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}

	log.Printf("Task history stored in Postgres")
	return repo, nil
}
