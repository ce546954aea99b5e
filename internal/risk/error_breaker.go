// Package risk provides the session's circuit breakers and equity safety
// logic.
package risk

import (
	"live_agent/pkg/apperrors"
	"live_agent/pkg/telemetry"
	"sync"
	"time"
)

// BreakerState is the error breaker's state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// ErrorBreakerSnapshot is the persisted form of the breaker, written at
// checkpoints and restored on session start.
type ErrorBreakerSnapshot struct {
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	LastFailureTS time.Time    `json:"last_failure_ts"`
}

// ErrorBreaker guards flaky external calls. CLOSED counts failures; at
// maxFailures it goes OPEN and fails fast; after resetTimeout a single
// probe runs HALF_OPEN, where success closes the breaker and failure
// re-opens it with a fresh timestamp.
type ErrorBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailureTS time.Time

	maxFailures  int
	resetTimeout time.Duration

	now func() time.Time
}

// NewErrorBreaker creates a closed breaker.
func NewErrorBreaker(maxFailures int, resetTimeout time.Duration) *ErrorBreaker {
	return &ErrorBreaker{
		state:        StateClosed,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// RecordFailure increments the failure count and opens the breaker at the
// threshold. A HALF_OPEN failure re-opens immediately.
func (b *ErrorBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTS = b.now()

	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.setStateLocked(StateOpen)
	}
}

// RecordSuccess closes the breaker from HALF_OPEN and resets the counter.
func (b *ErrorBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen || b.state == StateClosed {
		b.failures = 0
		b.setStateLocked(StateClosed)
	}
}

// AllowRequest reports whether a call may proceed. In OPEN it transitions
// to HALF_OPEN once resetTimeout has elapsed since the last failure.
func (b *ErrorBreaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTS) > b.resetTimeout {
			b.setStateLocked(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// Call wraps fn with the breaker: fails fast with ErrCircuitOpen when the
// breaker blocks, otherwise records the outcome.
func (b *ErrorBreaker) Call(fn func() error) error {
	if !b.AllowRequest() {
		return apperrors.ErrCircuitOpen
	}

	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *ErrorBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the persisted form of the breaker.
func (b *ErrorBreaker) Snapshot() ErrorBreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ErrorBreakerSnapshot{
		State:         b.state,
		Failures:      b.failures,
		LastFailureTS: b.lastFailureTS,
	}
}

// Restore applies a persisted snapshot.
func (b *ErrorBreaker) Restore(snap ErrorBreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snap.State == "" {
		return
	}
	b.failures = snap.Failures
	b.lastFailureTS = snap.LastFailureTS
	b.setStateLocked(snap.State)
}

func (b *ErrorBreaker) setStateLocked(s BreakerState) {
	b.state = s
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("error", s == StateOpen)
}
