package domain

import (
	"context"
	"time"
)

// Settings is the system configuration snapshot consulted by the admission
// gate. Replaced wholesale on refresh, never partially mutated.
type Settings struct {
	MaintenanceMode    bool      `json:"maintenance_mode"`
	MaintenanceMessage string    `json:"maintenance_message,omitempty"`
	AllowSignups       bool      `json:"allow_signups"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DefaultSettings is the fail-open snapshot used when the settings table
// cannot be read: maintenance off, traffic admitted.
func DefaultSettings() Settings {
	return Settings{MaintenanceMode: false, AllowSignups: true}
}

// SettingsSource reads and writes the one-row system settings table in the
// main database.
type SettingsSource interface {
	FetchSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, s Settings) error
}
