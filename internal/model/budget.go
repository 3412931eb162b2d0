package model

import (
	"time"

	"github.com/google/uuid"
)

// UserSendBudget tracks per-user send counts for one local calendar day.
// HourCount and OldestInHour describe the rolling 60-minute window ending
// at the instant the row was read; they are computed from the stored send
// timestamps, not persisted as counters.
type UserSendBudget struct {
	UserID        uuid.UUID  `json:"user_id" db:"user_id"`
	Day           string     `json:"day" db:"day"` // YYYY-MM-DD in the user's timezone
	DayCount      int        `json:"day_count" db:"day_count"`
	HourCount     int        `json:"hour_count" db:"hour_count"`
	OldestInHour  *time.Time `json:"oldest_in_hour,omitempty" db:"oldest_in_hour"`
	LastMessageAt time.Time  `json:"last_message_at" db:"last_message_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// RatePolicy is the send budget applied to a user. Zero values fall back to
// the configured defaults (10/day, 2/hour).
type RatePolicy struct {
	MaxPerDay  int `json:"max_per_day"`
	MaxPerHour int `json:"max_per_hour"`
}

const (
	DefaultMaxPerDay  = 10
	DefaultMaxPerHour = 2
)

func (p RatePolicy) WithDefaults() RatePolicy {
	if p.MaxPerDay <= 0 {
		p.MaxPerDay = DefaultMaxPerDay
	}
	if p.MaxPerHour <= 0 {
		p.MaxPerHour = DefaultMaxPerHour
	}
	return p
}

// Reservation is the outcome of a CheckAndReserve call.
type Reservation struct {
	Allowed       bool      `json:"allowed"`
	NextAllowedAt time.Time `json:"next_allowed_at,omitempty"`
	DayCount      int       `json:"day_count"`
	HourCount     int       `json:"hour_count"`
}
