// Package userstore is the pgx-backed multi-tenant user repository. The
// sync pipeline touches it through two deliberately short transaction
// shapes: a read-only identity page snapshot and a per-page write
// transaction. Neither is ever held open across network I/O.
package userstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrTenantNotFound = errors.New("tenant not found")
)

// IdentityRef is the cheap per-user handle captured by a page snapshot:
// the directory-facing subject (username) and the opaque internal id.
type IdentityRef struct {
	Username string
	UserID   uuid.UUID
}

// UserRecord is one user reloaded inside the apply transaction, with its
// current attributes.
type UserRecord struct {
	ID         uuid.UUID
	Username   string
	NotBefore  int64
	Attributes map[string]string
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListIdentityPage captures one page of (username, userID) pairs inside a
// short read-only transaction. Returns ErrTenantNotFound when the tenant
// does not exist; an empty slice means end of pagination.
func (r *Repository) ListIdentityPage(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]IdentityRef, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTenantNotFound
	}

	rows, err := tx.Query(ctx, `
		SELECT username, id
		FROM users
		WHERE tenant_id = $1
		ORDER BY username
		OFFSET $2 LIMIT $3
	`, tenantID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []IdentityRef
	for rows.Next() {
		var ref IdentityRef
		if err := rows.Scan(&ref.Username, &ref.UserID); err != nil {
			return nil, err
		}
		page = append(page, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return page, tx.Commit(ctx)
}

// ApplyPage runs fn inside one write transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (r *Repository) ApplyPage(ctx context.Context, fn func(ctx context.Context, tx *PageTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &PageTx{tx: tx}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// PageTx exposes the per-user operations available inside one page's write
// transaction.
type PageTx struct {
	tx pgx.Tx
}

// GetUser reloads a user and its attributes fresh. Returns ErrUserNotFound
// when the user was deleted between snapshot and apply.
func (t *PageTx) GetUser(ctx context.Context, tenantID, userID uuid.UUID) (UserRecord, error) {
	var rec UserRecord
	err := t.tx.QueryRow(ctx, `
		SELECT id, username, not_before
		FROM users
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, userID).Scan(&rec.ID, &rec.Username, &rec.NotBefore)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserRecord{}, ErrUserNotFound
	}
	if err != nil {
		return UserRecord{}, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT key, value
		FROM user_attributes
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return UserRecord{}, err
	}
	defer rows.Close()

	rec.Attributes = make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return UserRecord{}, err
		}
		rec.Attributes[key] = value
	}
	return rec, rows.Err()
}

// SetAttribute overwrites the value of an attribute key the user already
// has. The sync never introduces new keys, so a plain UPDATE is correct.
func (t *PageTx) SetAttribute(ctx context.Context, userID uuid.UUID, key, value string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE user_attributes
		SET value = $3
		WHERE user_id = $1 AND key = $2
	`, userID, key, value)
	return err
}

// SetNotBefore stamps the user's not-before so tokens minted earlier are
// rejected.
func (t *PageTx) SetNotBefore(ctx context.Context, userID uuid.UUID, epochSeconds int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE users
		SET not_before = $2, updated_at = now()
		WHERE id = $1
	`, userID, epochSeconds)
	return err
}

// TerminateSessions removes every active session for the user.
func (t *PageTx) TerminateSessions(ctx context.Context, tenantID, userID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM user_sessions
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID)
	return err
}
