package query_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/bucket"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/practice/practicetest"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/internal/infrastructure/cache"
)

var (
	lastDay = time.Date(2024, 4, 10, 18, 0, 0, 0, time.UTC)
	now     = time.Date(2024, 4, 10, 21, 0, 0, 0, time.UTC)
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type fakeSessions struct {
	mu        sync.Mutex
	data      map[string][]practice.Session
	batchErr  error
	errs      map[string]error
	listCalls int
}

func (f *fakeSessions) ListSessions(_ context.Context, studentID string, r practice.Range) ([]practice.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.errs[studentID]; err != nil {
		return nil, err
	}
	return practice.Filter(f.data[studentID], r), nil
}

func (f *fakeSessions) ListSessionsForStudents(_ context.Context, ids []string, r practice.Range) (map[string][]practice.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make(map[string][]practice.Session, len(ids))
	for _, id := range ids {
		out[id] = practice.Filter(f.data[id], r)
	}
	return out, nil
}

type fakeBackpack struct {
	mu        sync.Mutex
	items     map[string][]backpack.Item
	statuses  map[string]map[string]backpack.Status
	evaluated map[string]time.Time
	saved     []map[string]backpack.Status
}

func newFakeBackpack() *fakeBackpack {
	return &fakeBackpack{
		items:     make(map[string][]backpack.Item),
		statuses:  make(map[string]map[string]backpack.Status),
		evaluated: make(map[string]time.Time),
	}
}

func (f *fakeBackpack) ListItems(_ context.Context, studentID string) ([]backpack.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[studentID], nil
}

func (f *fakeBackpack) ListStatuses(_ context.Context, studentID string) (map[string]backpack.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]backpack.Status)
	for k, v := range f.statuses[studentID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBackpack) SaveStatuses(_ context.Context, studentID string, statuses map[string]backpack.Status, evaluatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[studentID] == nil {
		f.statuses[studentID] = make(map[string]backpack.Status)
	}
	for k, v := range statuses {
		key := studentID + "/" + k
		if evaluatedAt.Before(f.evaluated[key]) {
			continue
		}
		f.statuses[studentID][k] = v
		f.evaluated[key] = evaluatedAt
	}
	f.saved = append(f.saved, statuses)
	return nil
}

type fakeAdjustments map[string][]xp.Adjustment

func (f fakeAdjustments) ListAdjustments(_ context.Context, studentID string) ([]xp.Adjustment, error) {
	return f[studentID], nil
}

func newDeps(t *testing.T, sessions *fakeSessions) (query.Deps, *cache.Cache) {
	t.Helper()
	c, err := cache.New(cache.Options{})
	require.NoError(t, err)
	return query.Deps{
		Sessions: sessions,
		Cache:    c,
		Clock:    fixedClock(now),
		Location: time.UTC,
	}, c
}

func daily(t *testing.T, studentID string, days int) []practice.Session {
	t.Helper()
	return practicetest.Daily(t, studentID, lastDay, days, 600, practicetest.Block("tecnica", 4))
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

func TestGetStudentProgress_ServesFromCache(t *testing.T) {
	src := &fakeSessions{data: map[string][]practice.Session{"st1": daily(t, "st1", 2)}}
	deps, c := newDeps(t, src)
	h := query.NewGetStudentProgressHandler(deps)
	ctx := context.Background()

	first, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: " st1 "})
	require.NoError(t, err)
	assert.Equal(t, "st1", first.StudentID)
	assert.Equal(t, 2, first.Streak.CurrentDays)
	assert.Equal(t, now, first.AsOf)

	second, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st1"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Computations)
	assert.Equal(t, int64(1), st.Hits)
}

func TestGetStudentProgress_NewSessionChangesFingerprint(t *testing.T) {
	src := &fakeSessions{data: map[string][]practice.Session{"st1": daily(t, "st1", 2)}}
	deps, c := newDeps(t, src)
	h := query.NewGetStudentProgressHandler(deps)
	ctx := context.Background()

	before, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st1"})
	require.NoError(t, err)

	src.mu.Lock()
	src.data["st1"] = daily(t, "st1", 3)
	src.mu.Unlock()

	after, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st1"})
	require.NoError(t, err)
	assert.Equal(t, 3, after.Streak.CurrentDays)
	assert.Greater(t, after.XP.TotalXP, before.XP.TotalXP)
	assert.Equal(t, int64(2), c.Stats().Computations)
}

func TestGetStudentProgress_BackpackAndAdjustments(t *testing.T) {
	src := &fakeSessions{data: map[string][]practice.Session{"st1": daily(t, "st1", 2)}}
	deps, _ := newDeps(t, src)
	bp := newFakeBackpack()
	bp.items["st1"] = []backpack.Item{{ID: "tech-1", Kind: backpack.KindTechnique, Skills: []string{"tecnica"}}}
	deps.Backpack = bp
	deps.Adjustments = fakeAdjustments{"st1": {{ID: "e1", Kind: xp.AdjustmentEvaluation, Amount: 600}}}
	h := query.NewGetStudentProgressHandler(deps)

	rep, err := h.Handle(context.Background(), query.GetStudentProgressQuery{StudentID: "st1"})
	require.NoError(t, err)

	assert.Equal(t, rep.XP.LifetimePracticeXP+600, rep.XP.TotalXP)
	require.Len(t, rep.Backpack, 1)
	assert.Equal(t, backpack.StatusInProgress, rep.Backpack[0].Status)

	require.Len(t, bp.saved, 1, "derived status is written back")
	assert.Equal(t, map[string]backpack.Status{"tech-1": backpack.StatusInProgress}, bp.saved[0])
	assert.Equal(t, time.Date(2024, 4, 10, 23, 59, 59, 999999999, time.UTC), bp.evaluated["st1/tech-1"],
		"statuses are stamped with the end of the evaluated day")

	_, err = h.Handle(context.Background(), query.GetStudentProgressQuery{StudentID: "st1"})
	require.NoError(t, err)
	assert.Len(t, bp.saved, 1, "unchanged statuses are not written again")
}

func TestGetStudentProgress_HistoricalQueryKeepsMastery(t *testing.T) {
	lastPractice := now.AddDate(0, 0, -40)
	sessions := practicetest.Daily(t, "st1", lastPractice, 20, 600, practicetest.Block("tecnica", 5))
	src := &fakeSessions{data: map[string][]practice.Session{"st1": sessions}}
	deps, _ := newDeps(t, src)
	bp := newFakeBackpack()
	bp.items["st1"] = []backpack.Item{{ID: "tech-1", Kind: backpack.KindTechnique, Skills: []string{"tecnica"}}}
	bp.statuses["st1"] = map[string]backpack.Status{"tech-1": backpack.StatusMastered}
	deps.Backpack = bp
	h := query.NewGetStudentProgressHandler(deps)
	ctx := context.Background()

	today, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st1"})
	require.NoError(t, err)
	require.Len(t, today.Backpack, 1)
	assert.Equal(t, backpack.StatusMastered, today.Backpack[0].Status)

	yearAgo, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st1", AsOf: now.AddDate(-1, 0, 0)})
	require.NoError(t, err)
	require.Len(t, yearAgo.Backpack, 1)
	assert.Equal(t, backpack.StatusConsolidating, yearAgo.Backpack[0].Status, "decay is visible in the historical view")
	assert.Empty(t, bp.saved, "decay is never written back")

	again, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st1"})
	require.NoError(t, err)
	require.Len(t, again.Backpack, 1)
	assert.Equal(t, backpack.StatusMastered, again.Backpack[0].Status)
	assert.Equal(t, backpack.StatusMastered, bp.statuses["st1"]["tech-1"])
}

func TestGetStudentProgress_SameDayQueriesAgree(t *testing.T) {
	afternoon := time.Date(2024, 4, 10, 15, 0, 0, 0, time.UTC)
	src := &fakeSessions{data: map[string][]practice.Session{
		"st1": {practicetest.Session(t, "st1", afternoon, 600, practicetest.Block("tecnica", 4))},
	}}
	deps, _ := newDeps(t, src)
	bp := newFakeBackpack()
	bp.items["st1"] = []backpack.Item{{ID: "tech-1", Kind: backpack.KindTechnique, Skills: []string{"tecnica"}}}
	deps.Backpack = bp
	h := query.NewGetStudentProgressHandler(deps)
	ctx := context.Background()

	morning := time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC)
	first, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st1", AsOf: morning})
	require.NoError(t, err)
	assert.Equal(t, morning, first.AsOf)
	assert.Equal(t, 1, first.Sessions, "the whole local day is covered")
	require.Len(t, first.Backpack, 1)
	assert.Equal(t, backpack.StatusInProgress, first.Backpack[0].Status)

	evening := time.Date(2024, 4, 10, 20, 0, 0, 0, time.UTC)
	second, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st1", AsOf: evening})
	require.NoError(t, err)
	assert.Equal(t, evening, second.AsOf)
	assert.Equal(t, first.Backpack, second.Backpack)
	assert.Equal(t, first.XP, second.XP)
}

func TestGetStudentProgress_Errors(t *testing.T) {
	down := errors.New("connection refused")
	src := &fakeSessions{
		data: map[string][]practice.Session{"st1": daily(t, "st1", 1)},
		errs: map[string]error{"st2": down},
	}
	deps, _ := newDeps(t, src)
	h := query.NewGetStudentProgressHandler(deps)
	ctx := context.Background()

	_, err := h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "../etc"})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st2"})
	assert.ErrorIs(t, err, down)

	src.data["st3"] = daily(t, "st1", 1)
	_, err = h.Handle(ctx, query.GetStudentProgressQuery{StudentID: "st3"})
	assert.ErrorIs(t, err, shared.ErrMalformedSession, "foreign sessions are rejected")
}

// ══════════════════════════════════════════════════════════════════════════════
// COHORT PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

func TestGetCohortProgress_IsolatesFailures(t *testing.T) {
	src := &fakeSessions{data: map[string][]practice.Session{
		"a": daily(t, "a", 2),
		"b": daily(t, "a", 1),
	}}
	deps, _ := newDeps(t, src)
	h := query.NewGetCohortProgressHandler(deps).WithConcurrency(1)

	res, err := h.Handle(context.Background(), query.GetCohortProgressQuery{StudentIDs: []string{"c", "b", "a", "a"}})
	require.NoError(t, err)

	require.Len(t, res.Reports, 2)
	assert.Equal(t, "a", res.Reports[0].StudentID)
	assert.Equal(t, "c", res.Reports[1].StudentID)
	assert.Zero(t, res.Reports[1].XP.TotalXP, "students without sessions still get a report")

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b", res.Failures[0].StudentID)
	assert.ErrorIs(t, res.Failures[0].Err(), shared.ErrMalformedSession)

	require.NotNil(t, res.Summary)
	assert.Equal(t, 2, res.Summary.Count)
	assert.Equal(t, 0.0, res.Summary.TotalXP.Min)
	assert.Equal(t, float64(res.Reports[0].XP.TotalXP), res.Summary.TotalXP.Max)
}

func TestGetCohortProgress_FallsBackWhenBatchRejected(t *testing.T) {
	src := &fakeSessions{
		data:     map[string][]practice.Session{"a": daily(t, "a", 2), "b": daily(t, "b", 1)},
		batchErr: shared.ErrMalformedSession.Detail("student b"),
		errs:     map[string]error{"b": shared.ErrMalformedSession.Detail("out of order")},
	}
	deps, _ := newDeps(t, src)
	h := query.NewGetCohortProgressHandler(deps)

	res, err := h.Handle(context.Background(), query.GetCohortProgressQuery{StudentIDs: []string{"a", "b"}})
	require.NoError(t, err)

	require.Len(t, res.Reports, 1)
	assert.Equal(t, "a", res.Reports[0].StudentID)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b", res.Failures[0].StudentID)
	assert.Equal(t, 2, src.listCalls)
}

func TestGetCohortProgress_AllFailed(t *testing.T) {
	src := &fakeSessions{data: map[string][]practice.Session{"a": daily(t, "b", 1)}}
	deps, _ := newDeps(t, src)
	h := query.NewGetCohortProgressHandler(deps)

	res, err := h.Handle(context.Background(), query.GetCohortProgressQuery{StudentIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Empty(t, res.Reports)
	assert.Nil(t, res.Summary)
	assert.Len(t, res.Failures, 1)
}

func TestGetCohortProgress_Errors(t *testing.T) {
	down := errors.New("connection refused")
	src := &fakeSessions{batchErr: down}
	deps, _ := newDeps(t, src)
	h := query.NewGetCohortProgressHandler(deps)
	ctx := context.Background()

	_, err := h.Handle(ctx, query.GetCohortProgressQuery{})
	assert.ErrorIs(t, err, shared.ErrEmptyCohort)

	_, err = h.Handle(ctx, query.GetCohortProgressQuery{StudentIDs: []string{"a"}})
	assert.ErrorIs(t, err, down, "infrastructure failures fail the whole batch")
}

func TestCohortAndStudentShareCache(t *testing.T) {
	src := &fakeSessions{data: map[string][]practice.Session{"a": daily(t, "a", 2)}}
	deps, c := newDeps(t, src)
	ctx := context.Background()

	_, err := query.NewGetStudentProgressHandler(deps).Handle(ctx, query.GetStudentProgressQuery{StudentID: "a"})
	require.NoError(t, err)
	_, err = query.NewGetCohortProgressHandler(deps).Handle(ctx, query.GetCohortProgressQuery{StudentIDs: []string{"a"}})
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Stats().Computations)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERIES
// ══════════════════════════════════════════════════════════════════════════════

func TestGetProgressSeries(t *testing.T) {
	src := &fakeSessions{data: map[string][]practice.Session{"st1": daily(t, "st1", 10)}}
	deps, c := newDeps(t, src)
	h := query.NewGetProgressSeriesHandler(deps)
	ctx := context.Background()

	from := lastDay.AddDate(0, 0, -13)
	series, err := h.Handle(ctx, query.GetProgressSeriesQuery{StudentID: "st1", From: from, To: lastDay})
	require.NoError(t, err)
	assert.Equal(t, bucket.Day, series.Granularity)
	require.Len(t, series.Points, 14)
	assert.Zero(t, series.Points[0].Sessions, "days without sessions are zero filled")

	total := 0
	for _, p := range series.Points {
		total += p.Sessions
	}
	assert.Equal(t, 10, total)

	weekly, err := h.Handle(ctx, query.GetProgressSeriesQuery{StudentID: "st1", From: from, To: lastDay, Granularity: "WEEK"})
	require.NoError(t, err)
	assert.Equal(t, bucket.Week, weekly.Granularity)
	assert.Less(t, len(weekly.Points), len(series.Points))

	_, err = h.Handle(ctx, query.GetProgressSeriesQuery{StudentID: "st1", From: from, To: lastDay})
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Stats().Computations)
}

func TestGetProgressSeries_DefaultsAndErrors(t *testing.T) {
	src := &fakeSessions{data: map[string][]practice.Session{"st1": daily(t, "st1", 3)}}
	deps, _ := newDeps(t, src)
	h := query.NewGetProgressSeriesHandler(deps)
	ctx := context.Background()

	series, err := h.Handle(ctx, query.GetProgressSeriesQuery{StudentID: "st1"})
	require.NoError(t, err)
	assert.Len(t, series.Points, query.DefaultSeriesDays)

	_, err = h.Handle(ctx, query.GetProgressSeriesQuery{StudentID: "st1", Granularity: "hour"})
	assert.ErrorIs(t, err, shared.ErrInvalidGranularity)
}
