// Package circuitbreaker stops calling a failing upstream for a cool-down period
// and lets a few probe calls through before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit; default 5
	SuccessThreshold int           // half-open successes that close it; default 2
	Timeout          time.Duration // open duration before probing; default 30s
	Component        string
	// IsFailure decides whether an error returned by fn counts against the
	// circuit. Nil means every error counts. Caller errors such as "not found"
	// should not open the circuit.
	IsFailure     func(error) bool
	OnStateChange func(from, to State)
	Now           func() time.Time
}

// CircuitBreaker protects upstream calls by opening after repeated failures
// and allowing probe requests in half-open state.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	cfg          Config
}

// New creates a new CircuitBreaker with the given config.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{state: StateClosed, cfg: cfg}
}

// Component returns the name used in metrics labels.
func (cb *CircuitBreaker) Component() string { return cb.cfg.Component }

// Call runs fn when the circuit allows it and returns ErrOpen otherwise.
// Context cancellation by the caller is not counted as a failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	if err != nil && ctx.Err() != nil {
		return err
	}
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.Timeout {
		cb.mu.Unlock()
		return ErrOpen
	}
	cb.successCount = 0
	notify := cb.transitionLocked(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	notify := func() {}
	switch {
	case err != nil && cb.cfg.IsFailure(err):
		cb.failureCount++
		if cb.state == StateHalfOpen || cb.failureCount >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.cfg.Now()
			cb.failureCount = 0
			notify = cb.transitionLocked(StateOpen)
		}
	default:
		cb.failureCount = 0
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= cb.cfg.SuccessThreshold {
				cb.successCount = 0
				notify = cb.transitionLocked(StateClosed)
			}
		}
	}
	cb.mu.Unlock()
	notify()
}

// transitionLocked changes state and returns the callback to run after unlocking.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.cfg.OnStateChange == nil {
		return func() {}
	}
	return func() { cb.cfg.OnStateChange(from, to) }
}

// State returns the current state (for metrics and health).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
