package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agyle/agencycore/internal/domain"
)

// SettingsSource implements domain.SettingsSource against the one-row
// system_settings table in the main database.
type SettingsSource struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSettingsSource creates a source backed by the main database pool.
func NewSettingsSource(db *sql.DB, logger *slog.Logger) *SettingsSource {
	return &SettingsSource{db: db, logger: logger}
}

// FetchSettings reads the settings row. A missing row yields defaults; a
// missing table propagates as an error and the cache fails open.
func (s *SettingsSource) FetchSettings(ctx context.Context) (domain.Settings, error) {
	const query = `SELECT maintenance_mode, maintenance_message, allow_signups, updated_at
		FROM system_settings WHERE id = 1`

	var out domain.Settings
	err := s.db.QueryRowContext(ctx, query).
		Scan(&out.MaintenanceMode, &out.MaintenanceMessage, &out.AllowSignups, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("fetch settings: %w", err)
	}
	return out, nil
}

// UpdateSettings upserts the settings row. The updated_at column is stamped
// by the settings_touch_updated_at trigger.
func (s *SettingsSource) UpdateSettings(ctx context.Context, in domain.Settings) error {
	const query = `INSERT INTO system_settings (id, maintenance_mode, maintenance_message, allow_signups)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			maintenance_mode = EXCLUDED.maintenance_mode,
			maintenance_message = EXCLUDED.maintenance_message,
			allow_signups = EXCLUDED.allow_signups`

	if _, err := s.db.ExecContext(ctx, query, in.MaintenanceMode, in.MaintenanceMessage, in.AllowSignups); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}

	s.logger.Info("system settings updated",
		"maintenance_mode", in.MaintenanceMode,
		"allow_signups", in.AllowSignups,
	)
	return nil
}
