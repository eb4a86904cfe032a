package query

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progress-engine/internal/domain/level"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT PROGRESS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentProgressQuery asks for one student's full progress report.
type GetStudentProgressQuery struct {
	StudentID string

	// AsOf anchors streaks and decay. Zero means now.
	AsOf time.Time

	// Location defines day boundaries. Nil uses the handler default.
	Location *time.Location
}

// Validate normalizes the student id.
func (q *GetStudentProgressQuery) Validate() error {
	sid, err := shared.NewStudentID(q.StudentID)
	if err != nil {
		return err
	}
	q.StudentID = sid.String()
	return nil
}

// GetStudentProgressHandler serves GetStudentProgressQuery.
type GetStudentProgressHandler struct {
	r *reporter
}

// NewGetStudentProgressHandler creates the handler.
func NewGetStudentProgressHandler(deps Deps) *GetStudentProgressHandler {
	return &GetStudentProgressHandler{r: newReporter(deps, "query.student_progress")}
}

// Handle returns the report. XP always covers the complete history, so
// sessions are read over the unbounded range.
func (h *GetStudentProgressHandler) Handle(ctx context.Context, q GetStudentProgressQuery) (*progress.Report, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := h.r.tracer.Start(ctx, "query.GetStudentProgress",
		trace.WithAttributes(attribute.String("student.id", q.StudentID)))
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

	sessions, err := h.r.deps.Sessions.ListSessions(ctx, q.StudentID, practice.All)
	if err != nil {
		return nil, err
	}

	rep, err := h.r.report(ctx, q.StudentID, sessions, asOf, loc, p, table)
	if err != nil {
		return nil, err
	}

	h.r.log.WithSpan(ctx).Debug("student progress served",
		logger.StudentID(q.StudentID),
		logger.SessionCount(len(sessions)),
		logger.PolicyVersion(p.Version),
		logger.Latency(time.Since(start)))
	return &rep, nil
}
