package progress

import (
	"math"

	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/level"
	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/skill"
)

// Spread is min/max/avg of one metric across a cohort.
type Spread struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

func spreadOf(values []float64) Spread {
	s := Spread{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Avg = sum / float64(len(values))
	return s
}

// CohortSummary aggregates reports of several students.
type CohortSummary struct {
	Count int `json:"count"`

	TotalXP       Spread  `json:"total_xp"`
	LifetimeXP    Spread  `json:"lifetime_xp"`
	CurrentStreak Spread  `json:"current_streak"`
	MeanRating    *Spread `json:"mean_rating"`

	Goals        level.GoalSummary       `json:"goals"`
	SkillGoals   level.SkillGoalSummary  `json:"skill_goals"`
	Radar        skill.Radar             `json:"radar"`
	StatusCounts map[backpack.Status]int `json:"status_counts"`
}

// Summarize reduces reports into a cohort summary. MeanRating spans only
// students with at least one rating and is nil when none has any. An empty
// input fails with ErrEmptyCohort.
func Summarize(reports []Report, p policy.Policy, table level.Table) (CohortSummary, error) {
	if len(reports) == 0 {
		return CohortSummary{}, shared.ErrEmptyCohort.Detail("no reports to summarize")
	}

	n := len(reports)
	totals := make([]float64, 0, n)
	lifetimes := make([]float64, 0, n)
	streaks := make([]float64, 0, n)
	var ratings []float64
	standings := make(map[string]level.Standing, n)
	levels := make(map[string]int, n)
	radars := make(map[string]skill.Radar, n)
	counts := make(map[backpack.Status]int)

	for _, r := range reports {
		totals = append(totals, float64(r.XP.TotalXP))
		lifetimes = append(lifetimes, float64(r.XP.LifetimePracticeXP))
		streaks = append(streaks, float64(r.Streak.CurrentDays))
		if r.Ratings.Mean != nil {
			ratings = append(ratings, *r.Ratings.Mean)
		}
		standings[r.StudentID] = r.Standing
		levels[r.StudentID] = r.Standing.Level
		radars[r.StudentID] = r.Radar
		for st, c := range backpack.Tally(r.Backpack) {
			counts[st] += c
		}
	}

	goals, err := level.AggregateLevelGoals(standings)
	if err != nil {
		return CohortSummary{}, err
	}
	skillGoals, err := level.AggregateSkillGoals(levels, table, p.Skills.Tracked, p.Skills.DefaultGoalXP)
	if err != nil {
		return CohortSummary{}, err
	}
	radar, err := skill.CohortRadar(radars, p.Skills.Tracked)
	if err != nil {
		return CohortSummary{}, err
	}

	out := CohortSummary{
		Count:         n,
		TotalXP:       spreadOf(totals),
		LifetimeXP:    spreadOf(lifetimes),
		CurrentStreak: spreadOf(streaks),
		Goals:         goals,
		SkillGoals:    skillGoals,
		Radar:         radar,
		StatusCounts:  counts,
	}
	if len(ratings) > 0 {
		s := spreadOf(ratings)
		out.MeanRating = &s
	}
	return out, nil
}
