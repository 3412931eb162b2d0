package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
)

type userRepository struct {
	BaseRepository
}

func NewUserRepository(base BaseRepository) repository.UserRepository {
	return &userRepository{base}
}

func (r *userRepository) Get(ctx context.Context, id uuid.UUID) (*model.UserSettings, error) {
	query := `
		SELECT user_id, phone, timezone, quiet_hours_start, quiet_hours_end,
		       max_per_day, max_per_hour, last_inbound_at, created_at, updated_at
		FROM user_settings
		WHERE user_id = $1
	`
	var settings model.UserSettings
	if err := r.db.GetContext(ctx, &settings, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	return &settings, nil
}

func (r *userRepository) Upsert(ctx context.Context, settings *model.UserSettings) error {
	if settings == nil {
		return fmt.Errorf("settings cannot be nil")
	}
	if settings.Timezone == "" {
		settings.Timezone = model.DefaultTimezone
	}
	if settings.QuietHoursStart == "" {
		settings.QuietHoursStart = model.DefaultQuietHoursStart
	}
	if settings.QuietHoursEnd == "" {
		settings.QuietHoursEnd = model.DefaultQuietHoursEnd
	}

	query := `
		INSERT INTO user_settings (
			user_id, phone, timezone, quiet_hours_start, quiet_hours_end,
			max_per_day, max_per_hour, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			phone = EXCLUDED.phone,
			timezone = EXCLUDED.timezone,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			max_per_day = EXCLUDED.max_per_day,
			max_per_hour = EXCLUDED.max_per_hour,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		settings.UserID, settings.Phone, settings.Timezone,
		settings.QuietHoursStart, settings.QuietHoursEnd,
		settings.MaxPerDay, settings.MaxPerHour,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user settings: %w", err)
	}
	return nil
}

func (r *userRepository) TouchInbound(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE user_settings
		SET last_inbound_at = GREATEST(COALESCE(last_inbound_at, $2), $2), updated_at = NOW()
		WHERE user_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to record inbound activity: %w", err)
	}
	return nil
}
