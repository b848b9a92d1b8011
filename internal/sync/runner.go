// Package sync implements the per-tenant reconciliation pipeline: snapshot
// one page of identities in a short read transaction, fan directory
// lookups out over a bounded worker pool, then diff and apply the mapped
// attributes in a fresh write transaction. No transaction is ever held
// open across the network fetch.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"idsync_backend/internal/directory"
	"idsync_backend/internal/tenant"
	"idsync_backend/internal/userstore"
	"idsync_backend/platform/logger"

	"github.com/google/uuid"
)

const defaultShutdownGrace = 10 * time.Second

// PageTx is the slice of the user store's write transaction the apply
// stage needs.
type PageTx interface {
	GetUser(ctx context.Context, tenantID, userID uuid.UUID) (userstore.UserRecord, error)
	SetAttribute(ctx context.Context, userID uuid.UUID, key, value string) error
	SetNotBefore(ctx context.Context, userID uuid.UUID, epochSeconds int64) error
	TerminateSessions(ctx context.Context, tenantID, userID uuid.UUID) error
}

// Store is the user store as seen by the runner.
type Store interface {
	ListIdentityPage(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]userstore.IdentityRef, error)
	ApplyPage(ctx context.Context, fn func(ctx context.Context, tx PageTx) error) error
}

// PageOutcome is the per-page counter set, emitted once per page as a log
// line. It never feeds back into control flow.
type PageOutcome struct {
	Offset           int
	PageSize         int
	ChangedUsers     int
	InvalidatedUsers int
	FailedUsers      int
}

// Runner executes one tenant's sync: page loop, fetch stage, apply stage.
// The worker pool is created at start and torn down at the end regardless
// of how many pages ran.
type Runner struct {
	store    Store
	lookup   LookupFunc
	cfg      tenant.SyncConfig
	tenantID uuid.UUID
	log      *logger.Logger

	now           func() time.Time
	shutdownGrace time.Duration
}

func NewRunner(store Store, lookup LookupFunc, tenantID uuid.UUID, cfg tenant.SyncConfig, log *logger.Logger) *Runner {
	return &Runner{
		store:         store,
		lookup:        lookup,
		cfg:           cfg,
		tenantID:      tenantID,
		log:           log,
		now:           time.Now,
		shutdownGrace: defaultShutdownGrace,
	}
}

// Run loops pages in offset order until the first empty page. Pages are
// strictly sequential: page N+1 is not loaded before page N's apply
// completed.
func (r *Runner) Run(ctx context.Context) error {
	fetcher := NewFetcher(r.lookup, r.cfg.MaxConcurrency, r.cfg.PerSubjectTimeout)
	defer fetcher.Shutdown(r.shutdownGrace)

	for offset := 0; ; offset += r.cfg.BatchSize {
		page, err := r.store.ListIdentityPage(ctx, r.tenantID, offset, r.cfg.BatchSize)
		if errors.Is(err, userstore.ErrTenantNotFound) {
			r.log.Warn("tenant not found, stopping sync")
			return nil
		}
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		subjects := make([]string, len(page))
		for i, ref := range page {
			subjects[i] = ref.Username
		}

		results := fetcher.FetchAll(ctx, subjects)

		outcome, err := r.applyPage(ctx, offset, page, results)
		if err != nil {
			return err
		}

		r.log.Info("sync page applied",
			"offset", outcome.Offset,
			"page_size", outcome.PageSize,
			"changed_users", outcome.ChangedUsers,
			"invalidated_users", outcome.InvalidatedUsers,
			"failed_users", outcome.FailedUsers,
		)
	}
}

// applyPage diffs and writes one page inside a single write transaction.
// Per-subject failures are counted, never propagated; only storage errors
// abort the page.
func (r *Runner) applyPage(ctx context.Context, offset int, page []userstore.IdentityRef, results map[string]LookupResult) (PageOutcome, error) {
	outcome := PageOutcome{Offset: offset, PageSize: len(page)}

	err := r.store.ApplyPage(ctx, func(ctx context.Context, tx PageTx) error {
		nowEpoch := r.now().Unix()

		for _, ref := range page {
			res, ok := results[ref.Username]
			if !ok || res.Err != nil {
				outcome.FailedUsers++
				continue
			}

			var root any
			if err := json.Unmarshal(res.Payload, &root); err != nil {
				r.log.Debug("directory payload rejected",
					"subject", ref.Username,
					"error", parseFailure(err),
				)
				outcome.FailedUsers++
				continue
			}

			// Reload fresh: the user may have been deleted or modified
			// since the snapshot.
			user, err := tx.GetUser(ctx, r.tenantID, ref.UserID)
			if errors.Is(err, userstore.ErrUserNotFound) {
				outcome.FailedUsers++
				continue
			}
			if err != nil {
				return err
			}

			updated := false
			invalidate := false

			for _, rule := range r.cfg.Mapping {
				current, exists := user.Attributes[rule.Key]
				if !exists {
					// The sync only updates pre-existing attributes.
					continue
				}

				value, ok := extractString(root, rule.Path)
				if !ok {
					continue
				}
				if value == current {
					continue
				}

				if err := tx.SetAttribute(ctx, user.ID, rule.Key, value); err != nil {
					return err
				}
				updated = true

				if _, sensitive := r.cfg.InvalidateOnKeys[rule.Key]; sensitive {
					invalidate = true
				}
			}

			if !updated {
				continue
			}
			outcome.ChangedUsers++

			if invalidate {
				if err := tx.SetNotBefore(ctx, user.ID, nowEpoch); err != nil {
					return err
				}
				if r.cfg.InvalidateLogout {
					if err := tx.TerminateSessions(ctx, r.tenantID, user.ID); err != nil {
						return err
					}
				}
				outcome.InvalidatedUsers++
			}
		}

		return nil
	})

	return outcome, err
}

func parseFailure(err error) error {
	return &directory.Error{
		Kind:    directory.KindParse,
		Message: "malformed directory payload",
		Err:     err,
	}
}
