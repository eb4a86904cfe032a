package query

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progress-engine/internal/domain/bucket"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/internal/infrastructure/cache"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS SERIES QUERY
// ══════════════════════════════════════════════════════════════════════════════

// DefaultSeriesDays is the range used when From is zero.
const DefaultSeriesDays = 30

// GetProgressSeriesQuery asks for a zero-filled time series of one student.
type GetProgressSeriesQuery struct {
	StudentID string

	// From and To are inclusive calendar days. A zero To means today and a
	// zero From means DefaultSeriesDays before To.
	From time.Time
	To   time.Time

	// Granularity is optional. When empty the finest granularity that fits
	// the policy's bucket limit is chosen.
	Granularity string

	Location *time.Location
}

// Validate checks the id and the requested granularity.
func (q *GetProgressSeriesQuery) Validate() error {
	sid, err := shared.NewStudentID(q.StudentID)
	if err != nil {
		return err
	}
	q.StudentID = sid.String()
	if q.Granularity != "" {
		g, err := bucket.ParseGranularity(q.Granularity)
		if err != nil {
			return err
		}
		q.Granularity = string(g)
	}
	return nil
}

// GetProgressSeriesHandler serves GetProgressSeriesQuery.
type GetProgressSeriesHandler struct {
	r *reporter
}

// NewGetProgressSeriesHandler creates the handler.
func NewGetProgressSeriesHandler(deps Deps) *GetProgressSeriesHandler {
	return &GetProgressSeriesHandler{r: newReporter(deps, "query.progress_series")}
}

// Handle builds the daily series over the range and regroups it.
func (h *GetProgressSeriesHandler) Handle(ctx context.Context, q GetProgressSeriesQuery) (*bucket.Series, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := h.r.tracer.Start(ctx, "query.GetProgressSeries",
		trace.WithAttributes(attribute.String("student.id", q.StudentID)))
	var err error
	defer func() { endSpan(span, err) }()

	p := h.r.deps.Policy.Current()
	loc := h.r.location(q.Location)

	to := q.To
	if to.IsZero() {
		to = h.r.deps.Clock.Now()
	}
	from := q.From
	if from.IsZero() {
		from = timeutil.AddDays(timeutil.StartOfDay(to, loc), -(DefaultSeriesDays - 1))
	}
	if to.Before(from) {
		from, to = to, from
	}
	first := timeutil.StartOfDay(from, loc)
	last := timeutil.StartOfDay(to, loc)

	g := bucket.Granularity(q.Granularity)
	if g == "" {
		g = bucket.ChooseBucket(first, last, p.Series.MaxBuckets, loc)
	}
	span.SetAttributes(attribute.String("series.granularity", string(g)))

	sessions, err := h.r.deps.Sessions.ListSessions(ctx, q.StudentID, practice.Range{
		Since: first,
		Until: timeutil.AddDays(last, 1),
	})
	if err != nil {
		return nil, err
	}
	if err = practice.CheckSlice(q.StudentID, sessions, h.r.deps.Tolerance); err != nil {
		return nil, err
	}

	key := cache.Key{
		StudentID: q.StudentID,
		Fingerprint: practice.NewFingerprinter().
			Sessions(sessions).
			Strings(p.Version, loc.String()).
			Sum(),
		Kind: fmt.Sprintf("%s:%s:%s:%s", KindSeries, g,
			timeutil.DayKey(first, loc), timeutil.DayKey(last, loc)),
	}

	series, err := cache.GetOrCompute(ctx, h.r.deps.Cache, key, func(context.Context) (bucket.Series, error) {
		daily := bucket.DailySeries(sessions, first, last, loc, p.Series.MaxDays, func(s practice.Session) int64 {
			return xp.SessionDelta(s, p.XP)
		})
		return bucket.Aggregate(daily, g, loc)
	})
	if err != nil {
		return nil, err
	}

	h.r.log.WithSpan(ctx).Debug("progress series served",
		logger.StudentID(q.StudentID),
		logger.Granularity(string(g)),
		logger.Int("points", len(series.Points)))
	return &series, nil
}
