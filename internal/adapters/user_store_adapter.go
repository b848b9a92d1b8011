// Package adapters bridges concrete repositories to the narrow interfaces
// the sync pipeline consumes.
package adapters

import (
	"context"

	"idsync_backend/internal/sync"
	"idsync_backend/internal/userstore"

	"github.com/google/uuid"
)

// UserStoreAdapter adapts the pgx user repository to sync.Store. The only
// translation needed is the apply-page callback's transaction type.
type UserStoreAdapter struct {
	repo *userstore.Repository
}

func NewUserStoreAdapter(repo *userstore.Repository) *UserStoreAdapter {
	return &UserStoreAdapter{repo: repo}
}

func (a *UserStoreAdapter) ListIdentityPage(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]userstore.IdentityRef, error) {
	return a.repo.ListIdentityPage(ctx, tenantID, offset, limit)
}

func (a *UserStoreAdapter) ApplyPage(ctx context.Context, fn func(ctx context.Context, tx sync.PageTx) error) error {
	return a.repo.ApplyPage(ctx, func(ctx context.Context, tx *userstore.PageTx) error {
		return fn(ctx, tx)
	})
}
