// Package resilience provides fault-tolerance primitives for remote stores.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// CircuitBreaker stops calling a failing dependency for a cooldown period
// after too many consecutive failures.
type CircuitBreaker struct {
	mu sync.Mutex

	// Configuration
	maxFailures    int
	cooldownPeriod time.Duration

	// State
	state    CircuitState
	failures int
	tripTime time.Time
	now      func() time.Time

	// Callbacks
	OnTrip  func(reason string)
	OnReset func()
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Rejecting requests
	CircuitHalfOpen                     // Testing if the dependency recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "closed"
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:    5,
		cooldownPeriod: 30 * time.Second,
		state:          CircuitClosed,
		now:            time.Now,
	}
}

// WithMaxFailures sets how many consecutive failures trip the breaker.
func (cb *CircuitBreaker) WithMaxFailures(n int) *CircuitBreaker {
	cb.maxFailures = n
	return cb
}

// WithCooldown sets the cooldown period after tripping.
func (cb *CircuitBreaker) WithCooldown(d time.Duration) *CircuitBreaker {
	cb.cooldownPeriod = d
	return cb
}

// Allow checks if an operation should be allowed. After the cooldown one
// trial operation is let through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.tripTime) >= cb.cooldownPeriod {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		// A trial is already running.
		return false
	}
	return true
}

// Record reports the outcome of an allowed operation.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state != CircuitClosed && cb.OnReset != nil {
			go cb.OnReset()
		}
		cb.state = CircuitClosed
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
		cb.trip(err.Error())
	}
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.tripTime = cb.now()
	if cb.OnTrip != nil {
		go cb.OnTrip(reason)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Do runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return errors.New(errors.CodeStoreConnect, "circuit open")
	}
	err := fn()
	cb.Record(err)
	return err
}

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration // doubled after every attempt
	MaxDelay time.Duration
}

// DefaultRetryPolicy is three attempts starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Retry runs fn until it succeeds, returns an error that is not retryable,
// or the attempts are used up.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	delay := policy.Delay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil || !errors.IsRetryable(err) || attempt >= policy.Attempts {
			return err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Wrap(ctx.Err(), errors.CodeContextCanceled, "retry canceled")
		case <-t.C:
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
