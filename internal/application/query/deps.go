// Package query contains the read operations of the engine. Every query
// loads raw inputs through the repositories, fingerprints them and serves
// the derived artifact from the cohort cache.
package query

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/level"
	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/internal/infrastructure/cache"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

const tracerName = "github.com/alem-hub/progress-engine/query"

// Artifact kinds stored in the cache.
const (
	KindReport = "report"
	KindSeries = "series"
)

// PolicyProvider hands out the active policy.
type PolicyProvider interface {
	Current() policy.Policy
}

// StaticPolicy serves one fixed policy.
type StaticPolicy policy.Policy

// Current returns the policy.
func (s StaticPolicy) Current() policy.Policy { return policy.Policy(s) }

// Clock supplies the default evaluation anchor.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Deps are shared by all query handlers. Backpack and Adjustments are
// optional: without them reports carry no backpack and no adjustments.
type Deps struct {
	Sessions    practice.Repository
	Backpack    backpack.Repository
	Adjustments xp.AdjustmentRepository

	Cache    *cache.Cache
	Policy   PolicyProvider
	Clock    Clock
	Location *time.Location
	// Tolerance is the allowed backwards step inside a session slice.
	Tolerance time.Duration
	Logger    *logger.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = systemClock{}
	}
	if d.Location == nil {
		d.Location = timeutil.DefaultLocation
	}
	if d.Tolerance <= 0 {
		d.Tolerance = practice.DefaultOrderTolerance
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Policy == nil {
		d.Policy = StaticPolicy(policy.Default())
	}
	if d.Cache == nil {
		// Default options cannot fail.
		d.Cache, _ = cache.New(cache.Options{Logger: d.Logger})
	}
	return d
}

// ══════════════════════════════════════════════════════════════════════════════
// REPORT ASSEMBLY
// ══════════════════════════════════════════════════════════════════════════════

// reporter turns one student's session slice into a memoized report.
type reporter struct {
	deps   Deps
	log    *logger.Logger
	tracer trace.Tracer
}

func newReporter(d Deps, name string) *reporter {
	d = d.withDefaults()
	return &reporter{
		deps:   d,
		log:    d.Logger.With(logger.Component(name)),
		tracer: otel.Tracer(tracerName),
	}
}

func (r *reporter) location(loc *time.Location) *time.Location {
	if loc != nil {
		return loc
	}
	return r.deps.Location
}

// report loads the student's backpack and adjustments, then serves the
// report for the inputs from the cache. Reports cover the whole local day of
// asOf, so one cached report serves every instant of that day. Statuses
// that advanced are written back stamped with the end of that day.
func (r *reporter) report(ctx context.Context, studentID string, sessions []practice.Session, asOf time.Time, loc *time.Location, p policy.Policy, table level.Table) (progress.Report, error) {
	if err := practice.CheckSlice(studentID, sessions, r.deps.Tolerance); err != nil {
		return progress.Report{}, err
	}

	in := progress.Input{
		StudentID: studentID,
		Sessions:  sessions,
		AsOf:      asOf,
		Location:  loc,
	}
	if r.deps.Backpack != nil {
		items, err := r.deps.Backpack.ListItems(ctx, studentID)
		if err != nil {
			return progress.Report{}, err
		}
		previous, err := r.deps.Backpack.ListStatuses(ctx, studentID)
		if err != nil {
			return progress.Report{}, err
		}
		in.Items, in.Previous = items, previous
	}
	if r.deps.Adjustments != nil {
		adjustments, err := r.deps.Adjustments.ListAdjustments(ctx, studentID)
		if err != nil {
			return progress.Report{}, err
		}
		in.Adjustments = adjustments
	}

	day := timeutil.DayKey(asOf, loc)
	key := cache.Key{
		StudentID:   studentID,
		Fingerprint: inputFingerprint(in, p.Version, loc.String()),
		Kind:        KindReport + ":" + day,
	}

	rep, err := cache.GetOrCompute(ctx, r.deps.Cache, key, func(ctx context.Context) (progress.Report, error) {
		rep, err := progress.BuildWithTable(in, p, table)
		if err != nil {
			return progress.Report{}, err
		}
		r.writeBack(ctx, studentID, in.Previous, rep.Backpack, timeutil.EndOfDay(asOf, loc))
		return rep, nil
	})
	if err != nil {
		return progress.Report{}, err
	}
	rep.AsOf = asOf
	return rep, nil
}

// writeBack persists forward transitions only. Decay is recomputed on every
// read and a historical query must not lower what a later one recorded.
func (r *reporter) writeBack(ctx context.Context, studentID string, previous map[string]backpack.Status, derived []backpack.Derivation, evaluatedAt time.Time) {
	if r.deps.Backpack == nil {
		return
	}
	advanced := backpack.Advanced(previous, derived)
	if len(advanced) == 0 {
		return
	}
	if err := r.deps.Backpack.SaveStatuses(ctx, studentID, advanced, evaluatedAt); err != nil {
		r.log.WithSpan(ctx).Warn("status write-back failed", logger.StudentID(studentID), logger.Err(err))
	}
}

// inputFingerprint covers everything a report is derived from.
func inputFingerprint(in progress.Input, labels ...string) string {
	f := practice.NewFingerprinter().Sessions(in.Sessions).Strings(labels...)

	for _, it := range in.Items {
		f.Strings(it.ID, string(it.Kind), it.ExerciseID, strings.Join(it.Skills, ","))
	}

	ids := make([]string, 0, len(in.Previous))
	for id := range in.Previous {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		f.Strings(id, string(in.Previous[id]))
	}

	for _, a := range in.Adjustments {
		f.Strings(a.ID, string(a.Kind), strconv.FormatInt(a.Amount, 10), strconv.FormatInt(a.OccurredAt.UnixNano(), 10))
	}
	return f.Sum()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
