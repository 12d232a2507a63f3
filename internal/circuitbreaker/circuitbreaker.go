package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      When failure count >= threshold
//	Open -> HalfOpen:    After reset timeout expires (checked on the next call)
//	HalfOpen -> Closed:  When a probe request succeeds
//	HalfOpen -> Open:    When a probe request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe - allow one request to test
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

var (
	// ErrCircuitOpen is returned when the breaker rejects a call without running it.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCallTimeout is returned when a wrapped call outlives Config.CallTimeout.
	ErrCallTimeout = errors.New("circuit breaker call timed out")
)

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the downstream (e.g. "email-service").
	Name string

	// FailureThreshold is the number of failures that opens the circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is allowed.
	ResetTimeout time.Duration

	// CallTimeout bounds a single wrapped call. Exceeding it counts as a failure.
	CallTimeout time.Duration

	// MonitorInterval clears the failure count when no failure has been
	// recorded for this long, so old failures do not add up to a trip.
	MonitorInterval time.Duration

	// HalfOpenMaxRequests is the number of concurrent probes in half-open state.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the breaker defaults used for every delivery channel.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		CallTimeout:         10 * time.Second,
		MonitorInterval:     60 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Name)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MonitorInterval < 0 {
		c.MonitorInterval = 0
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = d.HalfOpenMaxRequests
	}
	return c
}

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a callback fired (under the breaker lock) on
// every transition.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// CircuitBreaker isolates a delivery provider. All state changes happen under
// one mutex per breaker, so racing calls cannot both take the half-open probe
// or double count a failure.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	onChange func(name string, from, to State)

	state            State
	failureCount     int
	lastFailureTime  time.Time
	openedAt         time.Time
	lastStateChange  time.Time
	halfOpenInFlight int

	// generation increments on every state change. A call's verdict only
	// applies to the generation that admitted it.
	generation uint64

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
	totalTimeouts  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		config: cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()

	logger.Info("circuit breaker created",
		zap.String("name", cb.config.Name),
		zap.Int("failure_threshold", cb.config.FailureThreshold),
		zap.Duration("reset_timeout", cb.config.ResetTimeout),
		zap.Duration("call_timeout", cb.config.CallTimeout),
	)

	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Allow reports whether a call may proceed. A true result must be followed
// by exactly one RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	_, ok := cb.allow()
	return ok
}

// allow admits a call and returns the generation it belongs to.
func (cb *CircuitBreaker) allow() (uint64, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ok := cb.admit()
	return cb.generation, ok
}

// admit must be called with the lock held.
func (cb *CircuitBreaker) admit() bool {
	now := cb.now()
	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		if cb.failureCount > 0 && cb.config.MonitorInterval > 0 &&
			now.Sub(cb.lastFailureTime) >= cb.config.MonitorInterval {
			cb.logger.Debug("circuit breaker cleared stale failures",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failureCount),
			)
			cb.failureCount = 0
		}
		return true

	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionTo(StateHalfOpen, now)
			cb.halfOpenInFlight = 1
			cb.logger.Info("circuit breaker allowing probe request",
				zap.String("name", cb.config.Name),
			)
			return true
		}
		cb.totalRejected++
		return false

	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenMaxRequests {
			cb.halfOpenInFlight++
			return true
		}
		cb.totalRejected++
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call. In half-open state it closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onSuccess()
}

// RecordFailure records a failed call. In closed state the circuit opens once
// the threshold is reached; in half-open state it re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onFailure()
}

// recordSuccess applies a success only if the breaker has not changed state
// since the call was admitted.
func (cb *CircuitBreaker) recordSuccess(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.generation {
		cb.totalSuccesses++
		return
	}
	cb.onSuccess()
}

// recordFailure applies a failure only if the breaker has not changed state
// since the call was admitted.
func (cb *CircuitBreaker) recordFailure(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.generation {
		cb.totalFailures++
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.totalSuccesses++

	switch cb.state {
	case StateHalfOpen:
		cb.failureCount = 0
		cb.transitionTo(StateClosed, cb.now())
		cb.logger.Info("circuit breaker closed - service recovered",
			zap.String("name", cb.config.Name),
		)
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	now := cb.now()
	cb.totalFailures++
	cb.lastFailureTime = now

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.transitionTo(StateOpen, now)
			cb.logger.Warn("circuit breaker OPENED - too many failures",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failureCount),
				zap.Int("threshold", cb.config.FailureThreshold),
			)
		}

	case StateHalfOpen:
		cb.failureCount++
		cb.openedAt = now
		cb.transitionTo(StateOpen, now)
		cb.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// release gives back an allowed call that produced no verdict about the
// provider (ignored error or caller cancellation).
func (cb *CircuitBreaker) release(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen == cb.generation && cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is the read-only view of a breaker for dashboards and metrics.
type Stats struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	LastStateChange time.Time  `json:"last_state_change"`
	TotalRequests   int64      `json:"total_requests"`
	TotalFailures   int64      `json:"total_failures"`
	TotalSuccesses  int64      `json:"total_successes"`
	TotalRejected   int64      `json:"total_rejected"`
	TotalTimeouts   int64      `json:"total_timeouts"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		LastStateChange: cb.lastStateChange,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		TotalTimeouts:   cb.totalTimeouts,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		s.LastFailure = &t
	}
	if cb.state != StateClosed {
		t := cb.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Reset manually closes the circuit. Used by operators.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed, cb.now())
	cb.failureCount = 0
	cb.halfOpenInFlight = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
}

// transitionTo changes state (must be called with lock held).
func (cb *CircuitBreaker) transitionTo(newState State, now time.Time) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = now
	cb.halfOpenInFlight = 0
	cb.generation++

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
	if cb.onChange != nil {
		cb.onChange(cb.config.Name, oldState, newState)
	}
}

// String returns a human-readable representation.
func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failureCount, cb.config.FailureThreshold)
}

// ignoredError marks an error that says nothing about provider health.
type ignoredError struct{ err error }

func (e *ignoredError) Error() string { return e.err.Error() }
func (e *ignoredError) Unwrap() error { return e.err }

// Ignore wraps err so that a breaker returns it to the caller without
// counting it as a failure.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

// Execute runs fn through the breaker. See Do.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	val T
	err error
}

// Do runs fn through cb. When the circuit is open fn is not invoked and the
// error wraps ErrCircuitOpen. fn gets a context bounded by CallTimeout; if it
// has not returned by then the call is recorded as a failure, ErrCallTimeout
// is returned and whatever fn eventually produces is discarded.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}
	gen, ok := cb.allow()
	if !ok {
		return zero, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.config.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("%s call panicked: %v", cb.config.Name, r)}
			}
		}()
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		var ignored *ignoredError
		switch {
		case r.err == nil:
			cb.recordSuccess(gen)
			return r.val, nil
		case ctx.Err() != nil:
			cb.release(gen)
			return r.val, r.err
		case errors.As(r.err, &ignored):
			cb.release(gen)
			return r.val, ignored.err
		default:
			cb.recordFailure(gen)
			return r.val, r.err
		}

	case <-callCtx.Done():
		if ctx.Err() != nil {
			cb.release(gen)
			return zero, ctx.Err()
		}
		cb.mu.Lock()
		cb.totalTimeouts++
		cb.mu.Unlock()
		cb.recordFailure(gen)
		cb.logger.Warn("circuit breaker call timed out",
			zap.String("name", cb.config.Name),
			zap.Duration("timeout", cb.config.CallTimeout),
		)
		return zero, fmt.Errorf("%w: %s after %s", ErrCallTimeout, cb.config.Name, cb.config.CallTimeout)
	}
}
