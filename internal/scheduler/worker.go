package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"idsync_backend/internal/cluster"
	"idsync_backend/internal/tenant"
	"idsync_backend/platform/config"
	"idsync_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Worker consumes operator-forced sync tasks. A forced run bypasses the
// run-window test but still takes the tenant/day execution claim, so it
// never doubles a scheduled run.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	tenants *tenant.Repository
	guard   cluster.Guard
	syncer  TenantSyncer
	log     *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, tenants *tenant.Repository, guard cluster.Guard, syncer TenantSyncer, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 2
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:  server,
		mux:     mux,
		tenants: tenants,
		guard:   guard,
		syncer:  syncer,
		log:     log,
	}

	mux.HandleFunc(TaskTenantSyncRun, w.handleTenantSyncRun)

	return w, nil
}

func (w *Worker) handleTenantSyncRun(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseTenantSyncRunPayload(task)
	if err != nil {
		return err
	}

	tenantID, err := uuid.Parse(payload.TenantID)
	if err != nil {
		return err
	}

	t, err := w.tenants.GetByID(ctx, tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		w.log.Warn("forced sync for unknown tenant", "tenant_id", payload.TenantID)
		return nil
	}
	if err != nil {
		return err
	}

	attrs, err := w.tenants.GetAttributes(ctx, t.ID)
	if err != nil {
		return err
	}

	log := w.log.WithTenant(t.Name)
	cfg := tenant.ConfigFromAttributes(attrs, log)

	taskKey := cfg.TaskKey(t.ID, cfg.DayKey(time.Now()))
	log = log.WithTaskKey(taskKey)

	if w.guard != nil {
		claimed, err := w.guard.TryClaim(ctx, taskKey, claimTTL)
		if err != nil {
			return err
		}
		if !claimed {
			log.Info("forced sync skipped, already claimed for today")
			return nil
		}
	}

	log.Info("forced tenant sync start")
	if err := w.syncer.SyncTenant(ctx, t, cfg); err != nil {
		log.Error("forced tenant sync failed", "error", err)
		return err
	}
	log.Info("forced tenant sync done")
	return nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
