// Package level resolves XP into levels with a monotonic threshold table
// and aggregates goal progress across a cohort.
package level

import (
	"fmt"
	"math"
	"sort"

	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Threshold is the minimum XP for a level.
type Threshold struct {
	Level      int              `json:"level"`
	MinXP      int64            `json:"min_xp"`
	SkillGoals map[string]int64 `json:"skill_goals,omitempty"`
}

// Table is a validated threshold table. The zero value is not usable;
// build one with NewTable or FromPolicy.
type Table struct {
	rows []Threshold
}

// NewTable validates thresholds: at least one row, the first at MinXP 0,
// and both Level and MinXP strictly increasing.
func NewTable(thresholds []Threshold) (Table, error) {
	if len(thresholds) == 0 {
		return Table{}, shared.ErrInvalidThresholdTable.Detail("no thresholds")
	}
	if thresholds[0].MinXP != 0 {
		return Table{}, shared.ErrInvalidThresholdTable.Detail("first threshold must start at 0 XP, got %d", thresholds[0].MinXP)
	}
	if thresholds[0].Level < 1 {
		return Table{}, shared.ErrInvalidThresholdTable.Detail("levels start at 1, got %d", thresholds[0].Level)
	}
	for i := 1; i < len(thresholds); i++ {
		prev, cur := thresholds[i-1], thresholds[i]
		if cur.MinXP <= prev.MinXP {
			return Table{}, shared.ErrInvalidThresholdTable.Detail("min_xp not strictly increasing at level %d", cur.Level)
		}
		if cur.Level <= prev.Level {
			return Table{}, shared.ErrInvalidThresholdTable.Detail("level not strictly increasing after level %d", prev.Level)
		}
	}

	rows := make([]Threshold, len(thresholds))
	for i, th := range thresholds {
		rows[i] = Threshold{Level: th.Level, MinXP: th.MinXP}
		if len(th.SkillGoals) > 0 {
			rows[i].SkillGoals = make(map[string]int64, len(th.SkillGoals))
			for k, v := range th.SkillGoals {
				rows[i].SkillGoals[k] = v
			}
		}
	}
	return Table{rows: rows}, nil
}

// FromPolicy builds a table from the policy's level rows.
func FromPolicy(rows []policy.LevelRow) (Table, error) {
	thresholds := make([]Threshold, len(rows))
	for i, r := range rows {
		thresholds[i] = Threshold{Level: r.Level, MinXP: r.MinXP, SkillGoals: r.SkillGoals}
	}
	return NewTable(thresholds)
}

// MaxLevel returns the highest level in the table.
func (t Table) MaxLevel() int {
	if len(t.rows) == 0 {
		return 0
	}
	return t.rows[len(t.rows)-1].Level
}

// Standing is where an XP value sits in the table.
type Standing struct {
	Level int   `json:"level"`
	MinXP int64 `json:"min_xp"`
	XP    int64 `json:"xp"`

	// NextThreshold is the MinXP of the next level, or 0 at the max level.
	NextThreshold   int64   `json:"next_threshold"`
	GoalRemaining   int64   `json:"goal_remaining"`
	AtMaxLevel      bool    `json:"at_max_level"`
	ProgressPercent float64 `json:"progress_percent"`
}

// LevelOf returns the greatest level whose MinXP is at most xp. Negative xp
// is treated as 0.
func (t Table) LevelOf(xp int64) Standing {
	if len(t.rows) == 0 {
		return Standing{}
	}
	if xp < 0 {
		xp = 0
	}

	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].MinXP > xp }) - 1
	row := t.rows[i]
	st := Standing{Level: row.Level, MinXP: row.MinXP, XP: xp}

	if i == len(t.rows)-1 {
		st.AtMaxLevel = true
		st.ProgressPercent = 100
		return st
	}

	next := t.rows[i+1].MinXP
	st.NextThreshold = next
	st.GoalRemaining = next - xp
	st.ProgressPercent = math.Round(float64(xp-row.MinXP)/float64(next-row.MinXP)*10000) / 100
	return st
}

// SkillGoals returns the per-skill XP goals of a level. Levels outside the
// table resolve to the nearest row.
func (t Table) SkillGoals(level int) map[string]int64 {
	if len(t.rows) == 0 {
		return nil
	}
	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Level > level }) - 1
	if i < 0 {
		i = 0
	}
	return t.rows[i].SkillGoals
}

// GoalSummary aggregates goal remaining across a cohort.
type GoalSummary struct {
	MinGoalRemaining int64   `json:"min_goal_remaining"`
	MaxGoalRemaining int64   `json:"max_goal_remaining"`
	AvgGoalRemaining float64 `json:"avg_goal_remaining"`
	Count            int     `json:"count"`
}

// AggregateLevelGoals reduces per-student standings. An empty cohort fails
// with ErrEmptyCohort instead of reporting a misleading zero average.
func AggregateLevelGoals(standingsByStudent map[string]Standing) (GoalSummary, error) {
	if len(standingsByStudent) == 0 {
		return GoalSummary{}, shared.ErrEmptyCohort.Detail("no standings to aggregate")
	}

	s := GoalSummary{MinGoalRemaining: math.MaxInt64, MaxGoalRemaining: math.MinInt64}
	var sum int64
	for _, st := range standingsByStudent {
		g := st.GoalRemaining
		sum += g
		if g < s.MinGoalRemaining {
			s.MinGoalRemaining = g
		}
		if g > s.MaxGoalRemaining {
			s.MaxGoalRemaining = g
		}
	}
	s.Count = len(standingsByStudent)
	s.AvgGoalRemaining = float64(sum) / float64(s.Count)
	return s, nil
}

// SkillGoalSummary is the cohort's combined per-skill goal for its levels.
type SkillGoalSummary struct {
	Goals        map[string]int64 `json:"goals"`
	AverageLevel int              `json:"average_level"`
	NextLevel    int              `json:"next_level"`
	Count        int              `json:"count"`
}

// AggregateSkillGoals sums, for each tracked skill, the goal XP of every
// student's current level. A level without a goal for a skill contributes
// fallback.
func AggregateSkillGoals(levelByStudent map[string]int, table Table, skills []string, fallback int64) (SkillGoalSummary, error) {
	if len(levelByStudent) == 0 {
		return SkillGoalSummary{}, shared.ErrEmptyCohort.Detail("no levels to aggregate")
	}

	out := SkillGoalSummary{Goals: make(map[string]int64, len(skills))}
	var levelSum int
	for _, lvl := range levelByStudent {
		levelSum += lvl
		goals := table.SkillGoals(lvl)
		for _, skill := range skills {
			g, ok := goals[skill]
			if !ok {
				g = fallback
			}
			out.Goals[skill] += g
		}
	}
	out.Count = len(levelByStudent)
	out.AverageLevel = int(math.Round(float64(levelSum) / float64(out.Count)))
	out.NextLevel = out.AverageLevel + 1
	return out, nil
}

// String renders a standing for logs.
func (s Standing) String() string {
	if s.AtMaxLevel {
		return fmt.Sprintf("level %d (max)", s.Level)
	}
	return fmt.Sprintf("level %d, %d XP to level threshold %d", s.Level, s.GoalRemaining, s.NextThreshold)
}
