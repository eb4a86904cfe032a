// Package retry re-runs session-source reads and shared artifact store
// calls with exponential backoff. Domain errors are final: a malformed
// session or an unknown student fails the same way on every attempt.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// marked carries the retry decision for an error.
type marked struct {
	err   error
	retry bool
}

func (m *marked) Error() string { return m.err.Error() }
func (m *marked) Unwrap() error { return m.err }

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, retry: true}
}

// Permanent marks err as final.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var m *marked
	return errors.As(err, &m) && m.retry
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var m *marked
	return errors.As(err, &m) && !m.retry
}

// Classify marks a repository error for a Retrier. Domain errors and the
// final sentinels are permanent. Errors accepted by transient are retried.
// Anything else is returned unmarked and stops the retrier as well.
func Classify(err error, transient func(error) bool, final ...error) error {
	if err == nil {
		return nil
	}
	var de *shared.DomainError
	if errors.As(err, &de) {
		return Permanent(err)
	}
	for _, f := range final {
		if errors.Is(err, f) {
			return Permanent(err)
		}
	}
	if transient != nil && transient(err) {
		return Retryable(err)
	}
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKOFF
// ══════════════════════════════════════════════════════════════════════════════

// Backoff is a doubling delay schedule.
type Backoff struct {
	// Attempts counts the first call.
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64
}

// SessionSource is the schedule for repository reads.
var SessionSource = Backoff{Attempts: 3, Initial: 50 * time.Millisecond, Max: time.Second, Jitter: 0.05}

// ArtifactStore gives up quickly. The shared store only saves recomputation.
var ArtifactStore = Backoff{Attempts: 2, Initial: 20 * time.Millisecond, Max: 200 * time.Millisecond, Jitter: 0.1}

// Delay is the pause after the given failed attempt, counted from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && (b.Max <= 0 || d < b.Max); i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(float64(d) * b.Jitter * (rand.Float64()*2 - 1))
	}
	return max(d, 0)
}

// ══════════════════════════════════════════════════════════════════════════════
// RETRIER
// ══════════════════════════════════════════════════════════════════════════════

// Retrier runs operations on a Backoff.
type Retrier struct {
	backoff Backoff
	retryIf func(error) bool
	onRetry func(attempt int, err error, delay time.Duration)
}

// Option tunes a Retrier.
type Option func(*Retrier)

// WithRetryIf replaces the default decision, which retries only errors
// marked Retryable. Permanent errors are never retried.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retrier) { r.retryIf = fn }
}

// WithOnRetry is called before each pause.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

// New creates a Retrier. Attempts below one mean a single call.
func New(b Backoff, opts ...Option) *Retrier {
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	r := &Retrier{backoff: b, retryIf: IsRetryable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// With returns a copy of r with opts applied.
func (r *Retrier) With(opts ...Option) *Retrier {
	c := *r
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Do calls op until it succeeds, fails for good or the attempts run out.
// The returned error has its retry mark removed.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return unmark(last)
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if IsPermanent(err) || !r.retryIf(err) || attempt >= r.backoff.Attempts {
			return unmark(err)
		}

		delay := r.backoff.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return unmark(last)
		case <-t.C:
		}
	}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	})
	return out, err
}

func unmark(err error) error {
	if m, ok := err.(*marked); ok {
		return m.err
	}
	return err
}
