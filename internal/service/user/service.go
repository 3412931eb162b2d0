package user

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
	apperrors "github.com/textloop/textloop/pkg/errors"
)

const (
	settingsCacheTTL   = 30 * time.Second
	cacheCleanupPeriod = 5 * time.Minute
)

type UserServicer interface {
	Get(ctx context.Context, id uuid.UUID) (*model.UserSettings, error)
	Upsert(ctx context.Context, settings *model.UserSettings) error
	RecordInbound(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Service caches settings reads with a short TTL. A full scheduling tick
// would otherwise hit the settings table once per claimed message;
// staleness stays well under the quiet-hours granularity.
type Service struct {
	repo  repository.UserRepository
	cache *cache.Cache
}

func NewService(repo repository.UserRepository) *Service {
	return &Service{
		repo:  repo,
		cache: cache.New(settingsCacheTTL, cacheCleanupPeriod),
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.UserSettings, error) {
	key := id.String()
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*model.UserSettings), nil
	}

	settings, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	if settings != nil {
		s.cache.Set(key, settings, cache.DefaultExpiration)
	}
	return settings, nil
}

func (s *Service) Upsert(ctx context.Context, settings *model.UserSettings) error {
	if err := s.validate(settings); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, settings); err != nil {
		return fmt.Errorf("failed to upsert user settings: %w", err)
	}
	s.cache.Delete(settings.UserID.String())
	return nil
}

// RecordInbound bumps last_inbound_at; the inbound webhook path calls this
// on every user message so the quiet-hours activity override stays current.
func (s *Service) RecordInbound(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.repo.TouchInbound(ctx, id, at.UTC()); err != nil {
		return fmt.Errorf("failed to record inbound activity: %w", err)
	}
	s.cache.Delete(id.String())
	return nil
}

func (s *Service) validate(settings *model.UserSettings) error {
	if settings == nil {
		return apperrors.NewBadRequest("settings are required", nil)
	}
	if settings.UserID == uuid.Nil {
		return apperrors.NewBadRequest("user ID is required", nil)
	}
	if settings.Phone == "" {
		return apperrors.NewBadRequest("phone is required", nil)
	}
	if settings.Timezone != "" {
		if _, err := time.LoadLocation(settings.Timezone); err != nil {
			return apperrors.NewBadRequest(fmt.Sprintf("invalid timezone: %s", settings.Timezone), err)
		}
	}
	if err := validClock(settings.QuietHoursStart); err != nil {
		return apperrors.NewBadRequest("invalid quiet_hours_start", err)
	}
	if err := validClock(settings.QuietHoursEnd); err != nil {
		return apperrors.NewBadRequest("invalid quiet_hours_end", err)
	}
	if settings.MaxPerDay != nil && *settings.MaxPerDay < 0 {
		return apperrors.NewBadRequest("max_per_day cannot be negative", nil)
	}
	if settings.MaxPerHour != nil && *settings.MaxPerHour < 0 {
		return apperrors.NewBadRequest("max_per_hour cannot be negative", nil)
	}
	return nil
}

func validClock(clock string) error {
	if clock == "" {
		return nil
	}
	_, err := time.Parse("15:04", clock)
	return err
}
