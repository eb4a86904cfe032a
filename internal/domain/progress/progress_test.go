package progress_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/level"
	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/practice/practicetest"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
)

var (
	day2  = time.Date(2024, 4, 2, 18, 0, 0, 0, time.UTC)
	asOf  = time.Date(2024, 4, 2, 21, 0, 0, 0, time.UTC)
	items = []backpack.Item{{ID: "tech-1", Kind: backpack.KindTechnique, Skills: []string{"tecnica"}}}
)

func twoDays(t *testing.T, studentID string) []practice.Session {
	t.Helper()
	return practicetest.Daily(t, studentID, day2, 2, 600, practicetest.Block("tecnica", 4))
}

func TestBuild_TwoConsecutiveDays(t *testing.T) {
	t.Parallel()

	p := policy.Default()
	sessions := twoDays(t, "st1")

	r, err := progress.Build(progress.Input{
		StudentID: "st1",
		Sessions:  sessions,
		Items:     items,
		AsOf:      asOf,
		Location:  time.UTC,
	}, p)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Streak.CurrentDays)
	require.NotNil(t, r.Ratings.Mean)
	assert.Equal(t, 4.0, *r.Ratings.Mean)
	assert.Equal(t, 2*xp.SessionDelta(sessions[0], p.XP), r.XP.TotalXP)
	assert.Equal(t, r.XP.TotalXP, r.XP.LifetimePracticeXP)
	require.Len(t, r.Backpack, 1)
	assert.Equal(t, backpack.StatusInProgress, r.Backpack[0].Status)

	assert.Equal(t, 1, r.Standing.Level)
	assert.Equal(t, p.Version, r.PolicyVersion)
	assert.Equal(t, 2, r.Sessions)
	assert.Equal(t, int64(1200), r.PracticeSeconds)

	// Tracked skills first, then item skills.
	require.Len(t, r.Skills, 4)
	assert.Equal(t, "tecnica", r.Skills[3].SkillTag)
	assert.Equal(t, 50.0, r.Skills[0].Score, "untouched skill is neutral")
	require.Len(t, r.Radar, 3)
}

func TestBuild_CoversTheWholeAsOfDay(t *testing.T) {
	t.Parallel()

	p := policy.Default()
	sessions := append(twoDays(t, "st1"),
		practicetest.Session(t, "st1", day2.AddDate(0, 0, 1), 600, practicetest.Block("tecnica", 4)))
	morning := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

	r, err := progress.Build(progress.Input{
		StudentID: "st1",
		Sessions:  sessions,
		Items:     items,
		AsOf:      morning,
		Location:  time.UTC,
	}, p)
	require.NoError(t, err)

	assert.Equal(t, morning, r.AsOf)
	assert.Equal(t, 2, r.Sessions, "the evening session counts, the next day does not")
	assert.Equal(t, int64(1200), r.PracticeSeconds)
	assert.Equal(t, 2*xp.SessionDelta(sessions[0], p.XP), r.XP.TotalXP)
	assert.Equal(t, 2, r.Streak.CurrentDays)
	require.Len(t, r.Backpack, 1)
	assert.Equal(t, 2, r.Backpack[0].Repetitions)
}

func TestBuild_AppliesAdjustments(t *testing.T) {
	t.Parallel()

	p := policy.Default()
	r, err := progress.Build(progress.Input{
		StudentID:   "st1",
		Sessions:    twoDays(t, "st1"),
		AsOf:        asOf,
		Adjustments: []xp.Adjustment{{ID: "e1", Kind: xp.AdjustmentEvaluation, Amount: 600}},
	}, p)
	require.NoError(t, err)
	assert.Equal(t, r.XP.LifetimePracticeXP+600, r.XP.TotalXP)
	assert.Equal(t, 2, r.Standing.Level, "levels follow total XP")
}

func TestBuild_Failures(t *testing.T) {
	t.Parallel()

	p := policy.Default()
	p.Levels = []policy.LevelRow{{Level: 1, MinXP: 5}}
	_, err := progress.Build(progress.Input{StudentID: "st1", AsOf: asOf}, p)
	assert.ErrorIs(t, err, shared.ErrInvalidThresholdTable)

	_, err = progress.Build(progress.Input{
		StudentID: "st1",
		Items:     items,
		Previous:  map[string]backpack.Status{"tech-1": "lost"},
		AsOf:      asOf,
	}, policy.Default())
	assert.True(t, shared.IsValidation(err))
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	p := policy.Default()
	table, err := level.FromPolicy(p.Levels)
	require.NoError(t, err)

	_, err = progress.Summarize(nil, p, table)
	assert.ErrorIs(t, err, shared.ErrEmptyCohort)

	active, err := progress.BuildWithTable(progress.Input{StudentID: "a", Sessions: twoDays(t, "a"), Items: items, AsOf: asOf}, p, table)
	require.NoError(t, err)
	idle, err := progress.BuildWithTable(progress.Input{StudentID: "b", Items: items, AsOf: asOf}, p, table)
	require.NoError(t, err)

	summary, err := progress.Summarize([]progress.Report{active, idle}, p, table)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Count)
	assert.Equal(t, 0.0, summary.TotalXP.Min)
	assert.Equal(t, float64(active.XP.TotalXP), summary.TotalXP.Max)
	assert.Equal(t, float64(active.XP.TotalXP)/2, summary.TotalXP.Avg)
	assert.Equal(t, progress.Spread{Min: 0, Max: 2, Avg: 1}, summary.CurrentStreak)

	require.NotNil(t, summary.MeanRating, "one student has ratings")
	assert.Equal(t, 4.0, summary.MeanRating.Avg)

	assert.Equal(t, 2, summary.Goals.Count)
	assert.Equal(t, map[backpack.Status]int{backpack.StatusInProgress: 1, backpack.StatusNotStarted: 1}, summary.StatusCounts)
	assert.Len(t, summary.Radar, 3)

	onlyIdle, err := progress.Summarize([]progress.Report{idle}, p, table)
	require.NoError(t, err)
	assert.Nil(t, onlyIdle.MeanRating)
}

func TestReport_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	r, err := progress.Build(progress.Input{StudentID: "st1", Sessions: twoDays(t, "st1"), Items: items, AsOf: asOf}, policy.Default())
	require.NoError(t, err)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded progress.Report
	require.NoError(t, json.Unmarshal(data, &decoded))

	again, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
	assert.Equal(t, r.XP, decoded.XP)
	assert.Equal(t, r.Standing, decoded.Standing)
	assert.Equal(t, r.Ratings, decoded.Ratings)
}
