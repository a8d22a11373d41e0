package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
)

// TenantStore is the Postgres-backed TenantRepository: the authoritative
// source of a tenant's active-session quota for the C9 gate.
type TenantStore struct {
	db *sqlx.DB
}

// NewTenantStore wraps db for sqlx use.
func NewTenantStore(db *sql.DB) *TenantStore {
	return &TenantStore{db: sqlx.NewDb(db, "postgres")}
}

type tenantRow struct {
	ID          string `db:"id"`
	DisplayName string `db:"display_name"`
	Quota       int    `db:"quota"`
}

// Create inserts t.
func (r *TenantStore) Create(ctx context.Context, t *tenant.Tenant) error {
	const q = `INSERT INTO tenants (id, display_name, quota) VALUES (:id, :display_name, :quota)`
	_, err := r.db.NamedExecContext(ctx, q, tenantRow{ID: t.ID, DisplayName: t.DisplayName, Quota: t.Quota})
	return err
}

// Get returns the tenant for id.
func (r *TenantStore) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	var row tenantRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM tenants WHERE id = $1`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("tenant", id)
		}
		return nil, err
	}
	return &tenant.Tenant{ID: row.ID, DisplayName: row.DisplayName, Quota: row.Quota}, nil
}

// UpdateQuota sets tenant id's active-session ceiling.
func (r *TenantStore) UpdateQuota(ctx context.Context, id string, quota int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tenants SET quota = $1 WHERE id = $2`), quota, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("tenant", id)
	}
	return nil
}
