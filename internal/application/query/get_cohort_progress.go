package query

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/internal/domain/level"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET COHORT PROGRESS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetCohortProgressQuery asks for the reports of a set of students and a
// summary over them.
type GetCohortProgressQuery struct {
	StudentIDs []string
	AsOf       time.Time
	Location   *time.Location
}

// Validate de-duplicates, sorts and checks the ids.
func (q *GetCohortProgressQuery) Validate() error {
	ids, err := shared.NewCohort(q.StudentIDs)
	if err != nil {
		return err
	}
	q.StudentIDs = ids
	return nil
}

// StudentFailure explains why one student is missing from a cohort result.
type StudentFailure struct {
	StudentID string `json:"student_id"`
	Error     string `json:"error"`

	err error
}

// Err returns the underlying error.
func (f StudentFailure) Err() error { return f.err }

// CohortProgress is the cohort result. Reports and Failures are ordered by
// student id. Summary is nil when no student succeeded.
type CohortProgress struct {
	Reports  []progress.Report       `json:"reports"`
	Failures []StudentFailure        `json:"failures,omitempty"`
	Summary  *progress.CohortSummary `json:"summary,omitempty"`
}

// GetCohortProgressHandler serves GetCohortProgressQuery.
type GetCohortProgressHandler struct {
	r     *reporter
	limit int
}

// NewGetCohortProgressHandler creates the handler.
func NewGetCohortProgressHandler(deps Deps) *GetCohortProgressHandler {
	return &GetCohortProgressHandler{
		r:     newReporter(deps, "query.cohort_progress"),
		limit: runtime.GOMAXPROCS(0),
	}
}

// WithConcurrency bounds the number of students loaded and built at once.
func (h *GetCohortProgressHandler) WithConcurrency(n int) *GetCohortProgressHandler {
	if n > 0 {
		h.limit = n
	}
	return h
}

// Handle loads every student's sessions in one batch and builds the reports
// concurrently. A student whose inputs are malformed or unreadable is
// reported in Failures and the rest of the cohort is still served. Only
// failures that affect the whole batch fail the query.
func (h *GetCohortProgressHandler) Handle(ctx context.Context, q GetCohortProgressQuery) (*CohortProgress, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := h.r.tracer.Start(ctx, "query.GetCohortProgress",
		trace.WithAttributes(attribute.Int("cohort.size", len(q.StudentIDs))))
	var err error
	defer func() { endSpan(span, err) }()

	start := time.Now()
	p := h.r.deps.Policy.Current()
	table, err := level.FromPolicy(p.Levels)
	if err != nil {
		return nil, err
	}

	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = h.r.deps.Clock.Now()
	}
	loc := h.r.location(q.Location)

	sessions, loadFailures, err := h.load(ctx, q.StudentIDs)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		reports  = make(map[string]progress.Report, len(q.StudentIDs))
		failures = loadFailures
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.limit)
	for _, id := range q.StudentIDs {
		if _, failed := failures[id]; failed {
			continue
		}
		slice := sessions[id]
		g.Go(func() error {
			rep, err := h.r.report(gctx, id, slice, asOf, loc, p, table)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[id] = err
				return nil
			}
			reports[id] = rep
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	out := &CohortProgress{Reports: make([]progress.Report, 0, len(reports))}
	for _, id := range shared.SortedKeys(reports) {
		out.Reports = append(out.Reports, reports[id])
	}
	for _, id := range shared.SortedKeys(failures) {
		out.Failures = append(out.Failures, StudentFailure{StudentID: id, Error: failures[id].Error(), err: failures[id]})
	}

	if len(out.Reports) > 0 {
		summary, serr := progress.Summarize(out.Reports, p, table)
		if serr != nil {
			err = serr
			return nil, err
		}
		out.Summary = &summary
	}

	log := h.r.log.WithSpan(ctx)
	for _, f := range out.Failures {
		log.Warn("student excluded from cohort", logger.StudentID(f.StudentID), logger.Err(f.err))
	}
	log.Debug("cohort progress served",
		logger.CohortSize(len(q.StudentIDs)),
		logger.Int("failures", len(out.Failures)),
		logger.PolicyVersion(p.Version),
		logger.Latency(time.Since(start)))
	return out, nil
}

// load reads the cohort's sessions in one batch. When the batch is rejected
// for a domain reason, such as one student's malformed slice, it falls back
// to per-student reads so only the offending students fail.
func (h *GetCohortProgressHandler) load(ctx context.Context, ids []string) (map[string][]practice.Session, map[string]error, error) {
	failures := make(map[string]error)

	batch, err := h.r.deps.Sessions.ListSessionsForStudents(ctx, ids, practice.All)
	if err == nil {
		return batch, failures, nil
	}
	var de *shared.DomainError
	if !errors.As(err, &de) {
		return nil, nil, err
	}
	h.r.log.WithSpan(ctx).Info("batch load rejected, reading students one by one",
		logger.CohortSize(len(ids)), logger.Err(err))

	var mu sync.Mutex
	out := make(map[string][]practice.Session, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.limit)
	for _, id := range ids {
		g.Go(func() error {
			sessions, err := h.r.deps.Sessions.ListSessions(gctx, id, practice.All)
			var de *shared.DomainError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out[id] = sessions
			case errors.As(err, &de):
				failures[id] = err
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, failures, nil
}
