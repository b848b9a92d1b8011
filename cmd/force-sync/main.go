// Command force-sync enqueues an immediate directory sync for one tenant,
// bypassing the run window. The worker still takes the tenant/day claim.
package main

import (
	"context"
	"flag"
	"time"

	"idsync_backend/internal/scheduler"
	"idsync_backend/platform/config"
	"idsync_backend/platform/logger"

	"github.com/google/uuid"
)

func main() {
	tenantFlag := flag.String("tenant", "", "tenant ID to sync")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)

	tenantID, err := uuid.Parse(*tenantFlag)
	if err != nil {
		log.Error("invalid -tenant flag", "value", *tenantFlag, "error", err)
		return
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		return
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.EnqueueTenantSync(ctx, tenantID); err != nil {
		log.Error("failed to enqueue tenant sync", "error", err)
		return
	}

	log.Info("tenant sync enqueued", "tenant_id", tenantID.String())
}
