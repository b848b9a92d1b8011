package sync

import (
	"context"

	"idsync_backend/internal/directory"
	"idsync_backend/internal/tenant"
	"idsync_backend/platform/config"
	"idsync_backend/platform/logger"
)

// Service runs tenant syncs. One directory client is built per run from
// the tenant's config; credentials come from process configuration.
type Service struct {
	store  Store
	dirCfg config.DirectoryConfig
	log    *logger.Logger
}

func NewService(store Store, dirCfg config.DirectoryConfig, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		dirCfg: dirCfg,
		log:    log,
	}
}

// SyncTenant reconciles every user of one tenant against the directory.
func (s *Service) SyncTenant(ctx context.Context, t tenant.Tenant, cfg tenant.SyncConfig) error {
	client := directory.New(s.dirCfg, directory.Options{
		ResultType: cfg.ResultType,
		Timeout:    cfg.HTTPTimeout,
	})

	lookup := func(ctx context.Context, subject string) ([]byte, error) {
		return client.Fetch(ctx, subject, cfg.RetryMaxAttempts, cfg.RetryBaseBackoff)
	}

	runner := NewRunner(s.store, lookup, t.ID, cfg, s.log.WithTenant(t.Name))
	return runner.Run(ctx)
}
