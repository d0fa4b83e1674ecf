package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Do while the breaker is open. Callers treat
// it as a transient failure, same as an upstream timeout.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker protects the generation engine from being hammered while it
// is failing. It opens after failureThreshold consecutive failures, rejects
// calls for timeout, then allows probes in half-open until successThreshold
// consecutive successes close it again. Any failure in half-open reopens it
// immediately.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failureThreshold int
	successThreshold int
	timeout          time.Duration

	failures  int
	successes int
	openedAt  time.Time
	probing   bool // a half-open probe is in flight

	now func() time.Time // injectable for tests
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// State returns the current breaker state, accounting for timeout expiry.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// Do runs fn through the breaker. While open, fn is not invoked and
// ErrCircuitOpen is returned immediately.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	cb.maybeHalfOpenLocked()
	if cb.state == StateOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	if cb.state == StateHalfOpen {
		// Only one probe at a time while half-open.
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if err != nil {
		cb.recordFailureLocked()
		return err
	}
	cb.recordSuccessLocked()
	return nil
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) recordFailureLocked() {
	switch cb.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.failures = 0
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.failures = 0
		}
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}
