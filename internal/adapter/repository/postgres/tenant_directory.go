package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agyle/agencycore/internal/domain"
)

// TenantDirectory implements domain.TenantDirectory against the agencies
// table in the main database. It is the authority the provisioner consults
// before creating anything: a caller-supplied identifier on its own is never
// enough.
type TenantDirectory struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTenantDirectory creates a directory backed by the main database pool.
func NewTenantDirectory(db *sql.DB, logger *slog.Logger) *TenantDirectory {
	return &TenantDirectory{db: db, logger: logger}
}

// Lookup returns the tenant record for a known, active tenant. Unknown and
// deactivated identifiers both map to ErrTenantNotFound: a suspended agency
// must not get its database silently re-provisioned.
func (d *TenantDirectory) Lookup(ctx context.Context, id domain.TenantID) (*domain.Tenant, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTenantID, string(id))
	}

	const query = `SELECT identifier, name, database_name, is_active, created_at
		FROM agencies WHERE identifier = $1`

	var t domain.Tenant
	err := d.db.QueryRowContext(ctx, query, string(id)).
		Scan(&t.ID, &t.Name, &t.DatabaseName, &t.Active, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", domain.ErrTenantNotFound, string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tenant %q: %w", string(id), err)
	}

	if !t.Active {
		d.logger.Warn("lookup of deactivated tenant", "tenant", string(id))
		return nil, fmt.Errorf("%w: %q is deactivated", domain.ErrTenantNotFound, string(id))
	}
	return &t, nil
}

// Register inserts a tenant into the directory. Idempotent on identifier.
func (d *TenantDirectory) Register(ctx context.Context, t domain.Tenant) error {
	if !t.ID.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidTenantID, string(t.ID))
	}

	const query = `INSERT INTO agencies (identifier, name, database_name, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identifier) DO UPDATE SET name = EXCLUDED.name, is_active = EXCLUDED.is_active`

	if _, err := d.db.ExecContext(ctx, query, string(t.ID), t.Name, t.DatabaseName, t.Active); err != nil {
		return fmt.Errorf("register tenant %q: %w", string(t.ID), err)
	}
	return nil
}
