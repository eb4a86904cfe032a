// Package policy holds the tunable constants of the progress engine: XP
// weights, level thresholds, skill scoring, mastery cutoffs and streak rules.
// A Policy is plain data. It is loaded and versioned by the config package
// and passed by value into the pure computations.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Policy is one versioned set of engine constants.
type Policy struct {
	Version  string         `json:"version" yaml:"version" toml:"version"`
	XP       XPPolicy       `json:"xp" yaml:"xp" toml:"xp"`
	Levels   []LevelRow     `json:"levels" yaml:"levels" toml:"levels"`
	Skills   SkillPolicy    `json:"skills" yaml:"skills" toml:"skills"`
	Backpack BackpackPolicy `json:"backpack" yaml:"backpack" toml:"backpack"`
	Streak   StreakPolicy   `json:"streak" yaml:"streak" toml:"streak"`
	Series   SeriesPolicy   `json:"series" yaml:"series" toml:"series"`
}

// TempoTier awards XP to a block whose achieved/target BPM ratio is at
// least MinRatio. Tiers are matched from the highest ratio down.
type TempoTier struct {
	MinRatio float64 `json:"min_ratio" yaml:"min_ratio" toml:"min_ratio"`
	XP       int64   `json:"xp" yaml:"xp" toml:"xp"`
}

// XPPolicy controls the per-session XP delta.
type XPPolicy struct {
	PerMinute  float64     `json:"per_minute" yaml:"per_minute" toml:"per_minute"`
	PerBlock   int64       `json:"per_block" yaml:"per_block" toml:"per_block"`
	TempoTiers []TempoTier `json:"tempo_tiers" yaml:"tempo_tiers" toml:"tempo_tiers"`

	// SkillSplits distributes a block's XP from its tag onto skill axes.
	// Tags without an entry credit themselves in full.
	SkillSplits map[string]map[string]float64 `json:"skill_splits" yaml:"skill_splits" toml:"skill_splits"`
}

// LevelRow is one row of the level table with its per-skill goals.
type LevelRow struct {
	Level      int              `json:"level" yaml:"level" toml:"level"`
	MinXP      int64            `json:"min_xp" yaml:"min_xp" toml:"min_xp"`
	SkillGoals map[string]int64 `json:"skill_goals,omitempty" yaml:"skill_goals,omitempty" toml:"skill_goals,omitempty"`
}

// SkillPolicy controls skill scoring.
type SkillPolicy struct {
	// Tracked is the ordered list of skill axes reported for every student.
	Tracked []string `json:"tracked" yaml:"tracked" toml:"tracked"`

	RatingMin int `json:"rating_min" yaml:"rating_min" toml:"rating_min"`
	RatingMax int `json:"rating_max" yaml:"rating_max" toml:"rating_max"`

	// NeutralScore is reported for a skill with no contributing entries,
	// and is the implicit contribution of an unrated entry when
	// ImplicitNeutral is set.
	NeutralScore    float64 `json:"neutral_score" yaml:"neutral_score" toml:"neutral_score"`
	ImplicitNeutral bool    `json:"implicit_neutral" yaml:"implicit_neutral" toml:"implicit_neutral"`

	// RecencyHalfLifeDays halves the weight of a rating every N days of age.
	// Zero disables recency weighting.
	RecencyHalfLifeDays float64 `json:"recency_half_life_days" yaml:"recency_half_life_days" toml:"recency_half_life_days"`

	// DefaultGoalXP is used for a skill when the level table has no goal.
	DefaultGoalXP int64 `json:"default_goal_xp" yaml:"default_goal_xp" toml:"default_goal_xp"`
}

// BackpackPolicy controls mastery-state transitions.
type BackpackPolicy struct {
	GoodScore           float64 `json:"good_score" yaml:"good_score" toml:"good_score"`
	MasteryScore        float64 `json:"mastery_score" yaml:"mastery_score" toml:"mastery_score"`
	MinRepetitions      int     `json:"min_repetitions" yaml:"min_repetitions" toml:"min_repetitions"`
	RecencyWindowDays   int     `json:"recency_window_days" yaml:"recency_window_days" toml:"recency_window_days"`
	StalenessWindowDays int     `json:"staleness_window_days" yaml:"staleness_window_days" toml:"staleness_window_days"`
	MinMasteredWeeks    int     `json:"min_mastered_weeks" yaml:"min_mastered_weeks" toml:"min_mastered_weeks"`

	// MasteredWeekDays is how many distinct days of one week must carry
	// practice of an item for that week to count as mastered.
	MasteredWeekDays int `json:"mastered_week_days" yaml:"mastered_week_days" toml:"mastered_week_days"`
}

// StreakPolicy controls streak counting.
type StreakPolicy struct {
	MinSessionSeconds int `json:"min_session_seconds" yaml:"min_session_seconds" toml:"min_session_seconds"`
	GraceDays         int `json:"grace_days" yaml:"grace_days" toml:"grace_days"`
}

// SeriesPolicy controls chart series.
type SeriesPolicy struct {
	MaxBuckets int `json:"max_buckets" yaml:"max_buckets" toml:"max_buckets"`
	MaxDays    int `json:"max_days" yaml:"max_days" toml:"max_days"`
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		Version: "builtin-1",
		XP: XPPolicy{
			PerMinute: 1,
			PerBlock:  10,
			TempoTiers: []TempoTier{
				{MinRatio: 1.0, XP: 100},
				{MinRatio: 0.9, XP: 80},
				{MinRatio: 0.75, XP: 60},
				{MinRatio: 0.5, XP: 40},
				{MinRatio: 0, XP: 20},
			},
			SkillSplits: map[string]map[string]float64{
				"tecnica": {"motricidad": 0.6, "articulacion": 0.4},
			},
		},
		Levels: []LevelRow{
			{Level: 1, MinXP: 0, SkillGoals: map[string]int64{"motricidad": 100, "articulacion": 100, "flexibilidad": 100}},
			{Level: 2, MinXP: 500, SkillGoals: map[string]int64{"motricidad": 250, "articulacion": 250, "flexibilidad": 250}},
			{Level: 3, MinXP: 1500, SkillGoals: map[string]int64{"motricidad": 600, "articulacion": 600, "flexibilidad": 600}},
			{Level: 4, MinXP: 3500, SkillGoals: map[string]int64{"motricidad": 1200, "articulacion": 1200, "flexibilidad": 1200}},
			{Level: 5, MinXP: 7000},
		},
		Skills: SkillPolicy{
			Tracked:             []string{"motricidad", "articulacion", "flexibilidad"},
			RatingMin:           1,
			RatingMax:           5,
			NeutralScore:        50,
			ImplicitNeutral:     false,
			RecencyHalfLifeDays: 30,
			DefaultGoalXP:       100,
		},
		Backpack: BackpackPolicy{
			GoodScore:           60,
			MasteryScore:        80,
			MinRepetitions:      3,
			RecencyWindowDays:   28,
			StalenessWindowDays: 90,
			MinMasteredWeeks:    2,
			MasteredWeekDays:    2,
		},
		Streak: StreakPolicy{
			MinSessionSeconds: 60,
			GraceDays:         1,
		},
		Series: SeriesPolicy{
			MaxBuckets: 60,
			MaxDays:    1825,
		},
	}
}

// Validate checks every section except the level table, which is validated
// by the level package when the table is built.
func (p Policy) Validate() error {
	var errs []string

	if p.XP.PerMinute < 0 {
		errs = append(errs, "xp.per_minute must be >= 0")
	}
	if p.XP.PerBlock < 0 {
		errs = append(errs, "xp.per_block must be >= 0")
	}
	for i, tier := range p.XP.TempoTiers {
		if tier.MinRatio < 0 || tier.XP < 0 {
			errs = append(errs, fmt.Sprintf("xp.tempo_tiers[%d] must be non-negative", i))
		}
	}
	for tag, split := range p.XP.SkillSplits {
		var sum float64
		for _, w := range split {
			if w < 0 {
				errs = append(errs, fmt.Sprintf("xp.skill_splits.%s has a negative weight", tag))
			}
			sum += w
		}
		if sum > 1.0001 {
			errs = append(errs, fmt.Sprintf("xp.skill_splits.%s weights sum above 1", tag))
		}
	}

	if p.Skills.RatingMax <= p.Skills.RatingMin {
		errs = append(errs, "skills.rating_max must be greater than skills.rating_min")
	}
	if p.Skills.NeutralScore < 0 || p.Skills.NeutralScore > 100 {
		errs = append(errs, "skills.neutral_score must be within 0-100")
	}
	if p.Skills.RecencyHalfLifeDays < 0 {
		errs = append(errs, "skills.recency_half_life_days must be >= 0")
	}
	if p.Skills.DefaultGoalXP < 0 {
		errs = append(errs, "skills.default_goal_xp must be >= 0")
	}

	b := p.Backpack
	if b.GoodScore < 0 || b.MasteryScore > 100 || b.GoodScore > b.MasteryScore {
		errs = append(errs, "backpack scores must satisfy 0 <= good_score <= mastery_score <= 100")
	}
	if b.MinRepetitions < 1 {
		errs = append(errs, "backpack.min_repetitions must be >= 1")
	}
	if b.RecencyWindowDays < 1 || b.StalenessWindowDays < b.RecencyWindowDays {
		errs = append(errs, "backpack windows must satisfy 1 <= recency_window_days <= staleness_window_days")
	}
	if b.MinMasteredWeeks < 0 {
		errs = append(errs, "backpack.min_mastered_weeks must be >= 0")
	}
	if b.MasteredWeekDays < 1 || b.MasteredWeekDays > 7 {
		errs = append(errs, "backpack.mastered_week_days must be between 1 and 7")
	}

	if p.Streak.MinSessionSeconds < 0 {
		errs = append(errs, "streak.min_session_seconds must be >= 0")
	}
	if p.Streak.GraceDays < 0 {
		errs = append(errs, "streak.grace_days must be >= 0")
	}

	if p.Series.MaxBuckets < 1 {
		errs = append(errs, "series.max_buckets must be >= 1")
	}
	if p.Series.MaxDays < 1 {
		errs = append(errs, "series.max_days must be >= 1")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return shared.ErrInvalidPolicy.Detail("%s", strings.Join(errs, "; "))
	}
	return nil
}

// SortedTiers returns the tempo tiers ordered by MinRatio descending.
func (x XPPolicy) SortedTiers() []TempoTier {
	tiers := make([]TempoTier, len(x.TempoTiers))
	copy(tiers, x.TempoTiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinRatio > tiers[j].MinRatio
	})
	return tiers
}

// RatingInScale reports whether r is inside the configured rating scale.
func (s SkillPolicy) RatingInScale(r int) bool {
	return r >= s.RatingMin && r <= s.RatingMax
}
