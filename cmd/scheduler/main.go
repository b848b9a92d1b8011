package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"idsync_backend/internal/adapters"
	"idsync_backend/internal/cluster"
	"idsync_backend/internal/scheduler"
	syncsvc "idsync_backend/internal/sync"
	"idsync_backend/internal/tenant"
	"idsync_backend/internal/userstore"
	"idsync_backend/platform/config"
	"idsync_backend/platform/db"
	"idsync_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting sync scheduler", "env", cfg.Env, "tick_interval", cfg.TickInterval.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, cfg); err != nil {
		log.Error("failed to run migrations", "error", err)
		panic("failed to run migrations: " + err.Error())
	}

	tenants := tenant.New(pool)
	store := adapters.NewUserStoreAdapter(userstore.New(pool))
	syncer := syncsvc.NewService(store, cfg, log)

	var guard cluster.Guard
	if cfg.GetRedisURL() != "" {
		redisClient, err := cluster.NewRedisClient(cfg)
		if err != nil {
			log.Error("failed to build redis client", "error", err)
			panic("failed to build redis client: " + err.Error())
		}
		defer func() { _ = redisClient.Close() }()
		guard = cluster.NewRedisGuard(redisClient)
	} else {
		log.Warn("REDIS_URL not set, running without a cluster execution guard")
	}

	evaluator := scheduler.NewEvaluator(tenants, guard, syncer, log)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		evaluator.Run(groupCtx, cfg.GetTickInterval())
		return nil
	})

	if cfg.GetRedisURL() != "" {
		worker, err := scheduler.NewWorker(cfg, tenants, guard, syncer, log)
		if err != nil {
			log.Error("failed to initialize scheduler worker", "error", err)
			panic("failed to initialize scheduler worker: " + err.Error())
		}
		group.Go(func() error {
			worker.Run(groupCtx)
			return nil
		})
	}

	_ = group.Wait()
	log.Info("sync scheduler stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
