package search

import (
	"sync"
	"time"
)

// CircuitBreaker stops the mirror from hammering an index that is down.
// After threshold consecutive failures it opens for cooldown; the first call
// after cooldown is let through as a trial.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openUntil time.Time
}

// NewCircuitBreaker creates a breaker; non-positive arguments fall back to 5
// failures and 30 seconds.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a sync call may be attempted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openUntil.IsZero() || !cb.now().Before(cb.openUntil)
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.openUntil = time.Time{}
}

// RecordFailure counts a failure and reports whether this failure opened the
// circuit. A failed trial re-opens it for another cooldown.
func (cb *CircuitBreaker) RecordFailure() (opened bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures < cb.threshold {
		return false
	}
	wasOpen := !cb.openUntil.IsZero()
	cb.openUntil = cb.now().Add(cb.cooldown)
	return !wasOpen
}

// IsOpen reports whether calls are currently being skipped.
func (cb *CircuitBreaker) IsOpen() bool {
	return !cb.Allow()
}
