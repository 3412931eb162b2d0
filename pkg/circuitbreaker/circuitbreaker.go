package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the wrapped call while the breaker
// is rejecting traffic.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// Breaker trips after a run of consecutive failures and stays open for the
// cooldown period. The first call after the cooldown probes half-open: its
// outcome decides whether the breaker closes again or re-opens.
type Breaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	now      func() time.Time
}

func New(name string, failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Execute runs fn unless the breaker is open, and feeds the outcome back
// into the breaker state.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return
	}

	b.state = StateClosed
	b.failures = 0
}
