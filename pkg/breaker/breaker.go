// Package breaker provides a per-resource circuit breaker used to guard calls
// to external dependencies such as LLM providers and storage backends.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed lets every call through and counts failures
	StateClosed State = iota

	// StateOpen rejects calls until the recovery timeout has elapsed
	StateOpen

	// StateHalfOpen allows a single trial call to probe recovery
	StateHalfOpen
)

// String returns the lowercase name of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Errors returned by the circuit breaker
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrHalfOpenTimeout = errors.New("half-open trial call timed out")
)

// OpenError is returned when a call is rejected without being attempted.
// It matches ErrCircuitOpen with errors.Is.
type OpenError struct {
	Name            string
	NextAttemptTime time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.NextAttemptTime.Format(time.RFC3339Nano))
}

// Unwrap returns ErrCircuitOpen
func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// Config contains the tuning parameters for a circuit breaker
type Config struct {
	// Name identifies the protected resource in errors and logs
	Name string `json:"name"`

	// FailureThreshold is the number of failures that opens a closed breaker
	FailureThreshold int `json:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before probing
	RecoveryTimeout time.Duration `json:"recovery_timeout"`

	// HalfOpenTimeout bounds the duration of the half-open trial call
	HalfOpenTimeout time.Duration `json:"half_open_timeout"`
}

// Stats is a snapshot of a circuit breaker's counters
type Stats struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TotalCalls      int64     `json:"total_calls"`
	BlockedCalls    int64     `json:"blocked_calls"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
}

// StateChangeFunc is called after every state transition, outside the lock
type StateChangeFunc func(name string, from, to State)

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithLogger sets the logger used to report transitions
func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// OnStateChange registers a transition callback
func OnStateChange(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) {
		cb.onChange = append(cb.onChange, fn)
	}
}

// CircuitBreaker guards calls to one protected resource.
// All state transitions happen under mu, and a call only transitions the
// breaker if the breaker is still in the generation it observed on entry.
type CircuitBreaker struct {
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	onChange []StateChangeFunc

	mu              sync.Mutex
	state           State
	generation      uint64
	trialInFlight   bool
	failureCount    int
	successCount    int
	totalCalls      int64
	blockedCalls    int64
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextAttemptTime time.Time
}

// New creates a closed circuit breaker
func New(cfg Config, opts ...Option) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the name of the protected resource
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Config returns the breaker configuration
func (cb *CircuitBreaker) Config() Config {
	return cb.cfg
}

// State returns the current state. An open breaker whose recovery time has
// passed still reports open until the next call moves it to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalCalls:      cb.totalCalls,
		BlockedCalls:    cb.blockedCalls,
		LastFailureTime: cb.lastFailureTime,
		LastSuccessTime: cb.lastSuccessTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

// Reset forces the breaker back to closed with zeroed failure counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.trialInFlight = false
	cb.nextAttemptTime = time.Time{}
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Execute runs fn if the breaker allows it. A rejected call returns an
// *OpenError. In half-open state fn is raced against the half-open timeout
// and a timeout counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, trial, err := cb.before()
	if err != nil {
		return err
	}

	if trial {
		err = cb.runTrial(ctx, fn)
	} else {
		err = fn(ctx)
	}

	cb.after(gen, trial, err)
	return err
}

// Do is the value-returning form of Execute
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (cb *CircuitBreaker) before() (uint64, bool, error) {
	cb.mu.Lock()
	cb.totalCalls++
	now := cb.now()

	switch cb.state {
	case StateOpen:
		if now.Before(cb.nextAttemptTime) {
			cb.blockedCalls++
			next := cb.nextAttemptTime
			cb.mu.Unlock()
			return 0, false, &OpenError{Name: cb.cfg.Name, NextAttemptTime: next}
		}
		cb.transition(StateHalfOpen)
		cb.trialInFlight = true
		gen := cb.generation
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
		return gen, true, nil

	case StateHalfOpen:
		if cb.trialInFlight {
			cb.blockedCalls++
			next := now.Add(cb.cfg.HalfOpenTimeout)
			cb.mu.Unlock()
			return 0, false, &OpenError{Name: cb.cfg.Name, NextAttemptTime: next}
		}
		cb.trialInFlight = true
		gen := cb.generation
		cb.mu.Unlock()
		return gen, true, nil

	default:
		gen := cb.generation
		cb.mu.Unlock()
		return gen, false, nil
	}
}

func (cb *CircuitBreaker) runTrial(ctx context.Context, fn func(context.Context) error) error {
	if cb.cfg.HalfOpenTimeout <= 0 {
		return fn(ctx)
	}

	trialCtx, cancel := context.WithTimeout(ctx, cb.cfg.HalfOpenTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(trialCtx)
	}()

	timer := time.NewTimer(cb.cfg.HalfOpenTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%s: %w", cb.cfg.Name, ErrHalfOpenTimeout)
	}
}

func (cb *CircuitBreaker) after(gen uint64, trial bool, err error) {
	cb.mu.Lock()
	now := cb.now()
	from := cb.state
	current := gen == cb.generation

	if trial && current {
		cb.trialInFlight = false
	}

	switch {
	case err == nil:
		cb.successCount++
		cb.lastSuccessTime = now
		if !current {
			break
		}
		if trial {
			cb.transition(StateClosed)
			cb.failureCount = 0
			cb.nextAttemptTime = time.Time{}
		} else if cb.state == StateClosed {
			cb.failureCount = 0
		}

	case errors.Is(err, context.Canceled):
		// The caller gave up; the resource's health is unknown.

	default:
		cb.failureCount++
		cb.lastFailureTime = now
		if !current {
			break
		}
		if trial || (cb.state == StateClosed && cb.failureCount >= cb.cfg.FailureThreshold) {
			cb.transition(StateOpen)
			cb.nextAttemptTime = now.Add(cb.cfg.RecoveryTimeout)
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.generation++
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	cb.logger.Info("circuit breaker state change",
		slog.String("breaker", cb.cfg.Name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	for _, fn := range cb.onChange {
		fn(cb.cfg.Name, from, to)
	}
}
