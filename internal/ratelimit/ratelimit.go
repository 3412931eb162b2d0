// Package ratelimit enforces per-user send budgets against durable storage.
// The check and the increment are one atomic statement in the budget store;
// this package adds the denied-path bookkeeping (computing when capacity
// returns) on top.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
)

const dayFormat = "2006-01-02"

type Limiter struct {
	budgets repository.BudgetRepository
}

func NewLimiter(budgets repository.BudgetRepository) *Limiter {
	return &Limiter{budgets: budgets}
}

// CheckAndReserve consumes one send slot for the user if the policy allows
// it right now. On denial it computes the earliest instant at which both
// exhausted windows have capacity again. A store error is returned as-is:
// the caller must treat it as fatal to the attempt, never as allowed.
func (l *Limiter) CheckAndReserve(ctx context.Context, userID uuid.UUID, now time.Time, loc *time.Location, policy model.RatePolicy) (model.Reservation, error) {
	if loc == nil {
		loc = time.UTC
	}
	policy = policy.WithDefaults()
	local := now.In(loc)
	day := local.Format(dayFormat)

	budget, err := l.budgets.Reserve(ctx, userID, day, now.UTC(), policy)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("reserve send slot: %w", err)
	}
	if budget != nil {
		return model.Reservation{
			Allowed:   true,
			DayCount:  budget.DayCount,
			HourCount: budget.HourCount,
		}, nil
	}

	return l.denied(ctx, userID, day, now, local, policy)
}

func (l *Limiter) denied(ctx context.Context, userID uuid.UUID, day string, now, local time.Time, policy model.RatePolicy) (model.Reservation, error) {
	budget, err := l.budgets.Get(ctx, userID, day, now)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("read send budget: %w", err)
	}
	if budget == nil {
		// The slot freed up between the reserve and the read; let the next
		// tick take it rather than racing a second reserve here.
		return model.Reservation{Allowed: false, NextAllowedAt: now}, nil
	}

	// The later of the two constraints wins: capacity exists only once
	// every exhausted window has reopened. The hourly slot opens when the
	// oldest send in the trailing 60 minutes ages out of the window.
	next := now
	if budget.HourCount >= policy.MaxPerHour && budget.OldestInHour != nil {
		if t := budget.OldestInHour.Add(time.Hour); t.After(next) {
			next = t
		}
	}
	if budget.DayCount >= policy.MaxPerDay {
		if t := startOfNextDay(local); t.After(next) {
			next = t
		}
	}

	return model.Reservation{
		Allowed:       false,
		NextAllowedAt: next,
		DayCount:      budget.DayCount,
		HourCount:     budget.HourCount,
	}, nil
}

func startOfNextDay(local time.Time) time.Time {
	next := local.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, local.Location())
}
