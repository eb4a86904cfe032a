// Package circuitbreaker stops calling a failing dependency for a while so
// cohort requests fail fast instead of piling up behind a dead database.
// Only infrastructure failures count: a domain error or a caller that gave
// up says nothing about the health of the store.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// State of a breaker.
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

var (
	// ErrCircuitOpen is returned without calling the dependency.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned while the half-open trial call is in flight.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds the thresholds of a breaker.
type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is the time spent open before a trial call is let through.
	Timeout time.Duration
	// MaxHalfOpenRequests bounds concurrent trial calls.
	MaxHalfOpenRequests int

	Logger *logger.Logger
	Now    func() time.Time
}

// Option tunes a Config.
type Option func(*Config)

func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SuccessThreshold = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithLogger receives state changes at warn level.
func WithLogger(l *logger.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}

// CircuitBreaker guards one dependency.
type CircuitBreaker struct {
	name   string
	config Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	halfOpenRun int
}

// New creates a closed breaker. Without options it opens after five
// consecutive failures and retries after thirty seconds.
func New(name string, opts ...Option) *CircuitBreaker {
	config := Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
		Logger:              logger.Nop(),
		Now:                 time.Now,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// ForSessionSource is the breaker shared by the guarded repositories. It
// trips early and lets a trial call through after ten seconds.
func ForSessionSource(log *logger.Logger, opts ...Option) *CircuitBreaker {
	base := []Option{
		WithFailureThreshold(3),
		WithSuccessThreshold(1),
		WithTimeout(10 * time.Second),
		WithLogger(log),
	}
	return New("session-source", append(base, opts...)...)
}

// Call runs fn unless the breaker refuses it and records the outcome.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	if err := cb.admit(); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	cb.record(err)
	return v, err
}

// Execute is Call for functions without a result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// countsAsFailure is false for domain errors and caller cancellation.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var de *shared.DomainError
	return !errors.As(err, &de)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.config.Now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenRun = 1
		return nil
	case StateHalfOpen:
		if cb.halfOpenRun < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRun++
			return nil
		}
		return ErrTooManyRequests
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !countsAsFailure(err) {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
		return
	}

	cb.successes = 0
	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.open(err)
		}
	case StateHalfOpen:
		cb.open(err)
	}
}

func (cb *CircuitBreaker) open(cause error) {
	cb.openedAt = cb.config.Now()
	cb.transition(StateOpen, logger.Err(cause), logger.Duration("retry_after", cb.config.Timeout))
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State, fields ...logger.Field) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures, cb.successes, cb.halfOpenRun = 0, 0, 0

	fields = append([]logger.Field{
		logger.Breaker(cb.name),
		logger.String("from", from.String()),
		logger.String("to", to.String()),
	}, fields...)
	cb.config.Logger.Warn("circuit breaker state changed", fields...)
}

// Name identifies the breaker in health reports.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen reports whether calls are currently refused.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateOpen
}
