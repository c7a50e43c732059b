package querycore

import (
	"context"
	"sync"
	"time"
)

// CircuitBreaker prevents cascading failures when the remote cache tier is
// unavailable. Implements the circuit breaker pattern with three states.
//
// States:
//   - Closed: Normal operation, requests pass through
//   - Open: Dependency failing, requests fail fast without calling dependency
//   - Half-Open: Testing if dependency recovered, limited requests allowed
//
// The L2 tier wraps every Redis operation in Execute; an open circuit is
// reported as ErrCacheIO, which the read path treats as a miss.
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         string // "closed", "open", "half-open"
	onStateChange func(from, to string)
}

// NewCircuitBreaker creates a circuit breaker.
//
// Parameters:
//   - maxFailures: Number of consecutive failures before opening circuit
//   - resetTimeout: Duration before transitioning from open to half-open
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        "closed",
	}
}

// WithStateChangeCallback adds a callback for state transitions.
// Useful for metrics and logging.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Execute runs fn if circuit is closed or half-open.
// Returns ErrCacheIO if circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return WithContext(ErrCacheIO, map[string]interface{}{
			"reason": "circuit breaker is open",
			"state":  cb.State(),
		})
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// allow checks if a request should be allowed based on circuit state
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case "open":
		// Check if we should transition to half-open
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState("half-open")
			return true
		}
		return false
	default:
		return true
	}
}

// recordResult updates breaker state based on the outcome of a call
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == "half-open" {
			cb.setState("closed")
		}
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == "half-open" || cb.failures >= cb.maxFailures {
		cb.setState("open")
	}
}

// setState transitions state and fires the callback. Caller holds the lock.
func (cb *CircuitBreaker) setState(to string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the circuit back to closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState("closed")
}
