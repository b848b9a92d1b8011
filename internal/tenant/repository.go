package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("tenant not found")

// Tenant is one isolated configuration/user-population boundary.
type Tenant struct {
	ID      uuid.UUID
	Name    string
	Enabled bool
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListEnabled returns every enabled tenant, ordered by name for stable
// tick-to-tick iteration.
func (r *Repository) ListEnabled(ctx context.Context) ([]Tenant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, enabled
		FROM tenants
		WHERE enabled = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Enabled); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// GetByID returns one tenant or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Tenant, error) {
	var t Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, enabled
		FROM tenants
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	return t, nil
}

// GetAttributes returns the tenant's flat string key/value attributes.
func (r *Repository) GetAttributes(ctx context.Context, tenantID uuid.UUID) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key, value
		FROM tenant_attributes
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		attrs[key] = value
	}
	return attrs, rows.Err()
}
