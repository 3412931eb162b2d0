package model

import (
	"time"

	"github.com/google/uuid"
)

// UserSettings holds the per-user knobs the scheduling loops consult on
// every decision: timezone, quiet-hours window, optional budget overrides,
// and the most recent inbound message timestamp (maintained by the inbound
// webhook path).
type UserSettings struct {
	UserID          uuid.UUID  `json:"user_id" db:"user_id"`
	Phone           string     `json:"phone" db:"phone"`
	Timezone        string     `json:"timezone" db:"timezone"`
	QuietHoursStart string     `json:"quiet_hours_start" db:"quiet_hours_start"` // "HH:MM", local
	QuietHoursEnd   string     `json:"quiet_hours_end" db:"quiet_hours_end"`     // "HH:MM", local
	MaxPerDay       *int       `json:"max_per_day,omitempty" db:"max_per_day"`
	MaxPerHour      *int       `json:"max_per_hour,omitempty" db:"max_per_hour"`
	LastInboundAt   *time.Time `json:"last_inbound_at,omitempty" db:"last_inbound_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

const (
	DefaultQuietHoursStart = "22:00"
	DefaultQuietHoursEnd   = "08:00"
	DefaultTimezone        = "UTC"
)

// RatePolicy resolves the user's effective send budget.
func (s *UserSettings) RatePolicy() RatePolicy {
	p := RatePolicy{}
	if s.MaxPerDay != nil {
		p.MaxPerDay = *s.MaxPerDay
	}
	if s.MaxPerHour != nil {
		p.MaxPerHour = *s.MaxPerHour
	}
	return p.WithDefaults()
}

// Location resolves the user's timezone, falling back to UTC when the
// stored name is empty or invalid.
func (s *UserSettings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
