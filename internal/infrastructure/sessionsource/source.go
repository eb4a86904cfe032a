// Package sessionsource guards the repositories the engine reads from.
// Every call goes through a circuit breaker and a retrier, runs inside a
// trace span, and session slices are checked for ownership and order
// before the engine sees them.
package sessionsource

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

const tracerName = "github.com/alem-hub/progress-engine/sessionsource"

// Options configures a Guard. Zero values select the defaults.
type Options struct {
	// Tolerance is the allowed backwards step between consecutive sessions.
	Tolerance time.Duration
	// IsTransient classifies driver errors worth retrying.
	IsTransient func(error) bool
	Retrier     *retry.Retrier
	Breaker     *circuitbreaker.CircuitBreaker
	// BreakerOptions tune the default breaker when Breaker is nil.
	BreakerOptions []circuitbreaker.Option
	Logger         *logger.Logger
}

// Guard wraps the engine's repositories with shared resilience settings.
type Guard struct {
	tolerance   time.Duration
	isTransient func(error) bool
	retrier     *retry.Retrier
	breaker     *circuitbreaker.CircuitBreaker
	log         *logger.Logger
	tracer      trace.Tracer
}

// NewGuard creates a Guard.
func NewGuard(opts Options) *Guard {
	g := &Guard{
		tolerance:   opts.Tolerance,
		isTransient: opts.IsTransient,
		retrier:     opts.Retrier,
		breaker:     opts.Breaker,
		log:         opts.Logger,
		tracer:      otel.Tracer(tracerName),
	}
	if g.tolerance <= 0 {
		g.tolerance = practice.DefaultOrderTolerance
	}
	if g.isTransient == nil {
		g.isTransient = func(error) bool { return false }
	}
	if g.log == nil {
		g.log = logger.Nop()
	}
	g.log = g.log.With(logger.Component("session-source"))
	if g.retrier == nil {
		g.retrier = retry.New(retry.SessionSource)
	}
	if g.breaker == nil {
		g.breaker = circuitbreaker.ForSessionSource(g.log, opts.BreakerOptions...)
	}
	return g
}

// Breaker returns the breaker shared by all wrapped repositories.
func (g *Guard) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

func call[T any](ctx context.Context, g *Guard, op string, attrs []attribute.KeyValue, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := g.tracer.Start(ctx, "sessionsource."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	retrier := g.retrier.With(retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		g.log.WithSpan(ctx).Warn("retrying repository call",
			logger.Operation(op), logger.Attempt(attempt), logger.Duration("delay", delay), logger.Err(err))
	}))

	out, err := retry.Value(ctx, retrier, func(ctx context.Context) (T, error) {
		v, err := circuitbreaker.Call(ctx, g.breaker, fn)
		return v, retry.Classify(err, g.isTransient, circuitbreaker.ErrCircuitOpen, circuitbreaker.ErrTooManyRequests)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.log.WithSpan(ctx).Debug("repository call failed", logger.Operation(op), logger.Latency(time.Since(start)), logger.Err(err))
		var zero T
		return zero, err
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ══════════════════════════════════════════════════════════════════════════════

// Sessions wraps a session repository.
func (g *Guard) Sessions(repo practice.Repository) practice.Repository {
	return &sessions{g: g, repo: repo}
}

type sessions struct {
	g    *Guard
	repo practice.Repository
}

func (s *sessions) ListSessions(ctx context.Context, studentID string, r practice.Range) ([]practice.Session, error) {
	out, err := call(ctx, s.g, "ListSessions", []attribute.KeyValue{attribute.String("student.id", studentID)},
		func(ctx context.Context) ([]practice.Session, error) {
			return s.repo.ListSessions(ctx, studentID, r)
		})
	if err != nil {
		return nil, err
	}
	if err := practice.CheckSlice(studentID, out, s.g.tolerance); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sessions) ListSessionsForStudents(ctx context.Context, studentIDs []string, r practice.Range) (map[string][]practice.Session, error) {
	out, err := call(ctx, s.g, "ListSessionsForStudents", []attribute.KeyValue{attribute.Int("cohort.size", len(studentIDs))},
		func(ctx context.Context) (map[string][]practice.Session, error) {
			return s.repo.ListSessionsForStudents(ctx, studentIDs, r)
		})
	if err != nil {
		return nil, err
	}
	for _, id := range studentIDs {
		if err := practice.CheckSlice(id, out[id], s.g.tolerance); err != nil {
			return nil, shared.WrapError("practice", "ListSessionsForStudents", shared.ErrInvalidEntity,
				"sessions of student "+id, err)
		}
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKPACK AND ADJUSTMENTS
// ══════════════════════════════════════════════════════════════════════════════

// Backpack wraps a backpack repository.
func (g *Guard) Backpack(repo backpack.Repository) backpack.Repository {
	return &backpacks{g: g, repo: repo}
}

type backpacks struct {
	g    *Guard
	repo backpack.Repository
}

func (b *backpacks) ListItems(ctx context.Context, studentID string) ([]backpack.Item, error) {
	return call(ctx, b.g, "ListItems", []attribute.KeyValue{attribute.String("student.id", studentID)},
		func(ctx context.Context) ([]backpack.Item, error) { return b.repo.ListItems(ctx, studentID) })
}

func (b *backpacks) ListStatuses(ctx context.Context, studentID string) (map[string]backpack.Status, error) {
	return call(ctx, b.g, "ListStatuses", []attribute.KeyValue{attribute.String("student.id", studentID)},
		func(ctx context.Context) (map[string]backpack.Status, error) { return b.repo.ListStatuses(ctx, studentID) })
}

func (b *backpacks) SaveStatuses(ctx context.Context, studentID string, statuses map[string]backpack.Status, evaluatedAt time.Time) error {
	_, err := call(ctx, b.g, "SaveStatuses", []attribute.KeyValue{attribute.String("student.id", studentID)},
		func(ctx context.Context) (struct{}, error) { return struct{}{}, b.repo.SaveStatuses(ctx, studentID, statuses, evaluatedAt) })
	return err
}

// Adjustments wraps an adjustment repository.
func (g *Guard) Adjustments(repo xp.AdjustmentRepository) xp.AdjustmentRepository {
	return &adjustments{g: g, repo: repo}
}

type adjustments struct {
	g    *Guard
	repo xp.AdjustmentRepository
}

func (a *adjustments) ListAdjustments(ctx context.Context, studentID string) ([]xp.Adjustment, error) {
	return call(ctx, a.g, "ListAdjustments", []attribute.KeyValue{attribute.String("student.id", studentID)},
		func(ctx context.Context) ([]xp.Adjustment, error) { return a.repo.ListAdjustments(ctx, studentID) })
}
