package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign/internal/repository"
)

// Defaults applied when a settings row is absent, mirroring the
// platform's seeded settings catalog.
var settingDefaults = map[string]string{
	repository.SettingPlatformRate:      "0.05",
	repository.SettingProviderRate:      "0.03",
	repository.SettingMaxCallsPerMinute: "20",
	repository.SettingMaxRetryAttempts:  "3",
	repository.SettingTransferKey:       "1",
	repository.SettingInfobipVoiceURL:   "https://api.infobip.com/tts/3/advanced",
}

// SettingsRepository implements repository.SettingsStore.
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository constructs the repository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the stored value for key, or its registered default.
func (r *SettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowxContext(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		if def, ok := settingDefaults[key]; ok {
			return def, nil
		}
		return "", repository.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("settings repo: get %s: %w", key, err)
	}
	return value, nil
}
