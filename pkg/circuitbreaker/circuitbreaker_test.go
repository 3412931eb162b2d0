package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", 3, 10*time.Second)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen,
		"open breaker rejects without invoking the call")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	b := New("test", 1, time.Minute)
	b.now = func() time.Time { return clock }

	assert.Error(t, b.Execute(func() error { return errors.New("boom") }))
	assert.Equal(t, StateOpen, b.State())

	// Before the cooldown the probe is refused; after it, one success
	// closes the breaker again.
	clock = clock.Add(30 * time.Second)
	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)

	clock = clock.Add(31 * time.Second)
	assert.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	b := New("test", 1, time.Minute)
	b.now = func() time.Time { return clock }

	assert.Error(t, b.Execute(func() error { return errors.New("boom") }))

	clock = clock.Add(2 * time.Minute)
	assert.Error(t, b.Execute(func() error { return errors.New("still down") }))
	assert.Equal(t, StateOpen, b.State(), "a failed half-open probe re-opens immediately")
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b := New("test", 3, time.Minute)

	assert.Error(t, b.Execute(func() error { return errors.New("boom") }))
	assert.Error(t, b.Execute(func() error { return errors.New("boom") }))
	assert.NoError(t, b.Execute(func() error { return nil }))
	assert.Error(t, b.Execute(func() error { return errors.New("boom") }))
	assert.Equal(t, StateClosed, b.State(), "failures must be consecutive to trip")
}
