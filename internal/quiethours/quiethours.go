// Package quiethours decides whether outbound sending is currently
// suppressed for a user. It is purely advisory: it never mutates state and
// is recomputed on every scheduling decision.
package quiethours

import (
	"fmt"
	"time"
)

// DefaultActivityOverride is how recently a user must have written in for
// quiet hours to be lifted; an active user is awake regardless of the clock.
const DefaultActivityOverride = 10 * time.Minute

// Window is a local-time quiet window. Start and End are "HH:MM" clock
// strings; a window whose start is after its end wraps across midnight.
// Start == End disables the window.
type Window struct {
	Start string
	End   string
}

// Evaluator evaluates quiet-hours suppression.
type Evaluator struct {
	ActivityOverride time.Duration
}

func NewEvaluator() Evaluator {
	return Evaluator{ActivityOverride: DefaultActivityOverride}
}

// Suppressed reports whether sending is suppressed at the given instant.
// The instant must already be expressed in the user's local time.
func (e Evaluator) Suppressed(now time.Time, w Window, lastInboundAt *time.Time) bool {
	if lastInboundAt != nil {
		override := e.ActivityOverride
		if override <= 0 {
			override = DefaultActivityOverride
		}
		if now.Sub(*lastInboundAt) <= override && !lastInboundAt.After(now) {
			return false
		}
	}
	return InWindow(now, w)
}

// InWindow reports whether the instant falls inside the quiet window,
// ignoring the activity override.
func InWindow(now time.Time, w Window) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}

	minute := now.Hour()*60 + now.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	// Wraps midnight: quiet from start until midnight, then until end.
	return minute >= start || minute < end
}

// NextOpen returns the next instant at which the window stops suppressing:
// today's window end if it is still ahead, otherwise tomorrow's.
func NextOpen(now time.Time, w Window) time.Time {
	end, err := parseClock(w.End)
	if err != nil {
		return now
	}

	open := time.Date(now.Year(), now.Month(), now.Day(), end/60, end%60, 0, 0, now.Location())
	if !open.After(now) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}
