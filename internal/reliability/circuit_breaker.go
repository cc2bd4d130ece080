package reliability

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing broker for a cool-down period
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	onStateChange func(name string, from, to State)
	now           func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successes needed in half-open state to close again
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the breaker stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithName names the breaker for logs
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChangeHandler registers a callback invoked on every transition.
// The callback runs with the breaker unlocked.
func WithStateChangeHandler(fn func(name string, from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 1,
		timeout:          10 * time.Second,
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.transition(func() {
		cb.state = StateClosed
		cb.failures = 0
		cb.successes = 0
	})
}

func (cb *CircuitBreaker) allow() error {
	var err error
	cb.transition(func() {
		if cb.state != StateOpen {
			return
		}
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if cb.now().After(nextRetry) {
			cb.state = StateHalfOpen
			cb.successes = 0
			return
		}
		err = fmt.Errorf("%w: %s until %s", ErrCircuitOpen, cb.name, nextRetry.Format(time.RFC3339Nano))
	})
	return err
}

func (cb *CircuitBreaker) record(err error) {
	cb.transition(func() {
		if err != nil {
			cb.failures++
			cb.successes = 0
			cb.lastFailureTime = cb.now()
			if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
			}
			return
		}

		cb.successes++
		switch cb.state {
		case StateHalfOpen:
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures = 0
			}
		case StateClosed:
			cb.failures = 0
		}
	})
}

// transition applies fn under the lock and reports a state change afterwards
func (cb *CircuitBreaker) transition(fn func()) {
	cb.mu.Lock()
	from := cb.state
	fn()
	to := cb.state
	handler := cb.onStateChange
	cb.mu.Unlock()

	if handler != nil && from != to {
		handler(cb.name, from, to)
	}
}
