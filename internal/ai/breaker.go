package ai

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// BreakerStats is a point-in-time snapshot of the breaker.
type BreakerStats struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalFailures       int64        `json:"total_failures"`
	TotalSuccesses      int64        `json:"total_successes"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

// CircuitBreaker is the orchestrator-level failure shedder. It protects
// callers when every upstream is failing; the per-provider mirrors in each
// adapter shed individual upstreams.
//
// CLOSED -> OPEN at failureThreshold consecutive failures; OPEN -> HALF_OPEN
// once resetTimeout elapses; HALF_OPEN closes on one success and reopens on
// one failure.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitState
	consecutiveFailures int
	totalFailures       int64
	totalSuccesses      int64
	openedAt            time.Time

	failureThreshold int
	resetTimeout     time.Duration

	// onTransition fires outside the lock, only on actual state changes.
	onTransition func(from, to CircuitState, failures int)

	now func() time.Time
}

// NewCircuitBreaker builds a breaker with the given thresholds; zero values
// select the defaults (5 failures, 30s cooldown).
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, onTransition func(from, to CircuitState, failures int)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onTransition:     onTransition,
		now:              time.Now,
	}
}

// CanExecute reports whether a request may proceed. An expired OPEN cooldown
// moves the breaker to HALF_OPEN as a side effect.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	if cb.state != CircuitOpen {
		cb.mu.Unlock()
		return true
	}
	if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
		cb.mu.Unlock()
		return false
	}
	failures := cb.consecutiveFailures
	cb.state = CircuitHalfOpen
	cb.mu.Unlock()
	cb.notify(CircuitOpen, CircuitHalfOpen, failures)
	return true
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	prev := cb.state
	cb.totalSuccesses++
	cb.consecutiveFailures = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()
	if prev != CircuitClosed {
		cb.notify(prev, CircuitClosed, 0)
	}
}

// RecordFailure increments the count and may open the breaker. A failure in
// HALF_OPEN reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	prev := cb.state
	cb.totalFailures++
	cb.consecutiveFailures++

	open := prev == CircuitHalfOpen || cb.consecutiveFailures >= cb.failureThreshold
	if open && prev != CircuitOpen {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
	failures := cb.consecutiveFailures
	next := cb.state
	cb.mu.Unlock()

	if next == CircuitOpen && prev != CircuitOpen {
		cb.notify(prev, CircuitOpen, failures)
	}
}

// State returns the current breaker state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		OpenedAt:            cb.openedAt,
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitState, failures int) {
	if cb.onTransition != nil {
		cb.onTransition(from, to, failures)
	}
}
