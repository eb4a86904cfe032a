package level_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/level"
	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func defaultTable(t *testing.T) level.Table {
	t.Helper()
	table, err := level.FromPolicy(policy.Default().Levels)
	require.NoError(t, err)
	return table
}

func TestNewTable_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows []level.Threshold
	}{
		{"empty", nil},
		{"first above zero", []level.Threshold{{Level: 1, MinXP: 10}}},
		{"level zero", []level.Threshold{{Level: 0, MinXP: 0}}},
		{"equal min xp", []level.Threshold{{Level: 1, MinXP: 0}, {Level: 2, MinXP: 0}}},
		{"decreasing min xp", []level.Threshold{{Level: 1, MinXP: 0}, {Level: 2, MinXP: 100}, {Level: 3, MinXP: 50}}},
		{"repeated level", []level.Threshold{{Level: 1, MinXP: 0}, {Level: 1, MinXP: 100}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := level.NewTable(tt.rows)
			assert.ErrorIs(t, err, shared.ErrInvalidThresholdTable)
			assert.True(t, shared.IsValidation(err))
		})
	}
}

func TestLevelOf(t *testing.T) {
	t.Parallel()

	table := defaultTable(t)

	tests := []struct {
		xp        int64
		wantLevel int
		wantNext  int64
		wantGoal  int64
		wantMax   bool
	}{
		{-5, 1, 500, 500, false},
		{0, 1, 500, 500, false},
		{499, 1, 500, 1, false},
		{500, 2, 1500, 1000, false},
		{3499, 3, 3500, 1, false},
		{7000, 5, 0, 0, true},
		{1_000_000, 5, 0, 0, true},
	}
	for _, tt := range tests {
		st := table.LevelOf(tt.xp)
		assert.Equal(t, tt.wantLevel, st.Level, "xp %d", tt.xp)
		assert.Equal(t, tt.wantNext, st.NextThreshold, "xp %d", tt.xp)
		assert.Equal(t, tt.wantGoal, st.GoalRemaining, "xp %d", tt.xp)
		assert.Equal(t, tt.wantMax, st.AtMaxLevel, "xp %d", tt.xp)
	}

	assert.InDelta(t, 50.0, table.LevelOf(1000).ProgressPercent, 1e-9)
	assert.Equal(t, 5, table.MaxLevel())
}

func TestLevelOf_Monotonic(t *testing.T) {
	t.Parallel()

	table, err := level.NewTable([]level.Threshold{
		{Level: 1, MinXP: 0}, {Level: 2, MinXP: 7}, {Level: 3, MinXP: 8}, {Level: 7, MinXP: 100}, {Level: 9, MinXP: 101},
	})
	require.NoError(t, err)

	prev := table.LevelOf(0)
	for x := int64(1); x <= 150; x++ {
		st := table.LevelOf(x)
		require.GreaterOrEqual(t, st.Level, prev.Level, "xp %d", x)
		require.LessOrEqual(t, st.MinXP, x)
		prev = st
	}
}

func TestNewTable_CopiesInput(t *testing.T) {
	t.Parallel()

	rows := []level.Threshold{{Level: 1, MinXP: 0, SkillGoals: map[string]int64{"a": 1}}, {Level: 2, MinXP: 10}}
	table, err := level.NewTable(rows)
	require.NoError(t, err)

	rows[1].MinXP = 1
	rows[0].SkillGoals["a"] = 99
	assert.Equal(t, 1, table.LevelOf(5).Level)
	assert.Equal(t, int64(1), table.SkillGoals(1)["a"])
}

func TestAggregateLevelGoals(t *testing.T) {
	t.Parallel()

	_, err := level.AggregateLevelGoals(nil)
	assert.ErrorIs(t, err, shared.ErrEmptyCohort)

	table := defaultTable(t)
	summary, err := level.AggregateLevelGoals(map[string]level.Standing{
		"a": table.LevelOf(100),  // 400 remaining
		"b": table.LevelOf(1400), // 100 remaining
		"c": table.LevelOf(9000), // max level
	})
	require.NoError(t, err)
	assert.Equal(t, level.GoalSummary{
		MinGoalRemaining: 0,
		MaxGoalRemaining: 400,
		AvgGoalRemaining: 500.0 / 3,
		Count:            3,
	}, summary)
}

func TestAggregateSkillGoals(t *testing.T) {
	t.Parallel()

	table := defaultTable(t)
	skills := []string{"motricidad", "ritmo"}

	_, err := level.AggregateSkillGoals(map[string]int{}, table, skills, 100)
	assert.ErrorIs(t, err, shared.ErrEmptyCohort)

	got, err := level.AggregateSkillGoals(map[string]int{"a": 1, "b": 2, "c": 5}, table, skills, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100+250+100), got.Goals["motricidad"], "level 5 has no goal row")
	assert.Equal(t, int64(300), got.Goals["ritmo"], "untracked in the table")
	assert.Equal(t, 3, got.AverageLevel)
	assert.Equal(t, 4, got.NextLevel)
	assert.Equal(t, 3, got.Count)
}

func TestStanding_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := defaultTable(t).LevelOf(1234)
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out level.Standing
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
