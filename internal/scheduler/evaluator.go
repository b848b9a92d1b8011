// Package scheduler decides, once per tick, which tenants are due for a
// directory sync and runs each winner exactly once per day cluster-wide.
package scheduler

import (
	"context"
	"time"

	"idsync_backend/internal/cluster"
	"idsync_backend/internal/tenant"
	"idsync_backend/platform/logger"

	"github.com/google/uuid"
)

// claimTTL outlives one day by a couple of hours so a claim from a late
// run still blocks the next day's early window edge.
const claimTTL = 26 * time.Hour

// TenantSource lists enabled tenants and resolves their flat attributes.
type TenantSource interface {
	ListEnabled(ctx context.Context) ([]tenant.Tenant, error)
	GetAttributes(ctx context.Context, tenantID uuid.UUID) (map[string]string, error)
}

// TenantSyncer executes one tenant's sync run.
type TenantSyncer interface {
	SyncTenant(ctx context.Context, t tenant.Tenant, cfg tenant.SyncConfig) error
}

// Evaluator is invoked once per tick. Tenants are evaluated sequentially;
// a failing tenant never prevents the rest of the tick.
type Evaluator struct {
	tenants TenantSource
	guard   cluster.Guard // nil means single-node operation without a claim
	syncer  TenantSyncer
	log     *logger.Logger
	now     func() time.Time
}

func NewEvaluator(tenants TenantSource, guard cluster.Guard, syncer TenantSyncer, log *logger.Logger) *Evaluator {
	return &Evaluator{
		tenants: tenants,
		guard:   guard,
		syncer:  syncer,
		log:     log,
		now:     time.Now,
	}
}

// Tick evaluates every enabled tenant against its run window.
func (e *Evaluator) Tick(ctx context.Context) {
	now := e.now()

	tenants, err := e.tenants.ListEnabled(ctx)
	if err != nil {
		e.log.Error("listing tenants failed", "error", err)
		return
	}

	for _, t := range tenants {
		e.evaluateTenant(ctx, t, now)
	}
}

func (e *Evaluator) evaluateTenant(ctx context.Context, t tenant.Tenant, now time.Time) {
	log := e.log.WithTenant(t.Name)

	defer func() {
		if r := recover(); r != nil {
			log.Error("tenant sync panicked", "panic", r)
		}
	}()

	attrs, err := e.tenants.GetAttributes(ctx, t.ID)
	if err != nil {
		log.Error("loading tenant attributes failed", "error", err)
		return
	}

	cfg := tenant.ConfigFromAttributes(attrs, log)
	if !cfg.Enabled {
		return
	}
	if !cfg.InWindow(now) {
		return
	}

	taskKey := cfg.TaskKey(t.ID, cfg.DayKey(now))
	log = log.WithTaskKey(taskKey)

	if e.guard == nil {
		// Single-node degradation is explicit, not a silent skip.
		log.Warn("no cluster guard configured, running locally")
	} else {
		claimed, err := e.guard.TryClaim(ctx, taskKey, claimTTL)
		if err != nil {
			log.Error("execution claim failed", "error", err)
			return
		}
		if !claimed {
			log.Debug("already claimed for today")
			return
		}
	}

	log.Info("tenant sync start")
	if err := e.syncer.SyncTenant(ctx, t, cfg); err != nil {
		log.Error("tenant sync failed", "error", err)
		return
	}
	log.Info("tenant sync done")
}

// Run drives Tick on a fixed interval until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}
