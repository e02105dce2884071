package invoker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/garage/internal/config"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("invoker: circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen allows a single probe request through at a time.
	BreakerHalfOpen
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive failures, rejects calls for
// a cool-down period, then lets probes through one at a time until enough
// succeed. It is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	probing          bool
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	now              func() time.Time
	onChange         func(BreakerState)
}

// NewCircuitBreaker creates a circuit breaker from configuration. Zero values
// fall back to 5 failures, 2 successes and a 30s cool-down. onChange, if not
// nil, is called with the lock released after every state change.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		now:              time.Now,
		onChange:         onChange,
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold < 1 {
		cb.successThreshold = 2
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	return cb
}

// Allow reports whether a request may proceed. It returns ErrCircuitOpen while
// open, and while half-open with a probe already in flight.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	changed := cb.refresh()
	var err error
	switch cb.state {
	case BreakerOpen:
		err = ErrCircuitOpen
	case BreakerHalfOpen:
		if cb.probing {
			err = ErrCircuitOpen
		} else {
			cb.probing = true
		}
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changed, state)
	return err
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
			changed = true
		}
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changed, state)
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
			changed = true
		}
	case BreakerHalfOpen:
		// Any failed probe reopens.
		cb.trip()
		changed = true
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changed, state)
}

// Release gives back a half-open probe slot without recording an outcome,
// for calls abandoned by the caller.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	changed := cb.refresh()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changed, state)
	return state
}

// Counts returns the current failure and success counts (for diagnostics).
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// HealthCheck reports ErrCircuitOpen while the breaker is open.
func (cb *CircuitBreaker) HealthCheck(_ context.Context) error {
	if cb.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// trip opens the breaker. Must be called with lock held.
func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.probing = false
}

// refresh moves Open to HalfOpen once the cool-down has elapsed. Must be
// called with lock held.
func (cb *CircuitBreaker) refresh() bool {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
		cb.probing = false
		return true
	}
	return false
}

func (cb *CircuitBreaker) notify(changed bool, state BreakerState) {
	if changed && cb.onChange != nil {
		cb.onChange(state)
	}
}
