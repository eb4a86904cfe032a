// Package progress composes the per-student artifacts into one report and
// summarizes reports across a cohort.
package progress

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/level"
	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/skill"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Report is everything the engine derives for one student.
type Report struct {
	StudentID     string    `json:"student_id"`
	AsOf          time.Time `json:"as_of"`
	PolicyVersion string    `json:"policy_version"`

	Sessions        int   `json:"sessions"`
	PracticeSeconds int64 `json:"practice_seconds"`

	XP        xp.Total              `json:"xp"`
	Breakdown xp.Breakdown          `json:"breakdown"`
	Standing  level.Standing        `json:"standing"`
	Skills    []skill.Stat          `json:"skills"`
	Radar     skill.Radar           `json:"radar"`
	Backpack  []backpack.Derivation `json:"backpack"`
	Streak    streak.Streak         `json:"streak"`
	Ratings   streak.RatingSummary  `json:"ratings"`
}

// Input is the raw material for one report. Sessions must be the
// student's complete, ordered history. A report describes the whole local
// day of AsOf: sessions started later that day count, later days do not.
type Input struct {
	StudentID   string
	Sessions    []practice.Session
	Items       []backpack.Item
	Previous    map[string]backpack.Status
	Adjustments []xp.Adjustment
	AsOf        time.Time
	Location    *time.Location
}

// Build derives a report. It fails only on invalid policy tables, invalid
// adjustments or recorded statuses outside the backpack graph.
func Build(in Input, p policy.Policy) (Report, error) {
	table, err := level.FromPolicy(p.Levels)
	if err != nil {
		return Report{}, err
	}
	return BuildWithTable(in, p, table)
}

// BuildWithTable is Build with a pre-validated level table.
func BuildWithTable(in Input, p policy.Policy, table level.Table) (Report, error) {
	loc := in.Location
	if loc == nil {
		loc = timeutil.DefaultLocation
	}
	endOfDay := timeutil.EndOfDay(in.AsOf, loc)
	sessions := practice.Filter(in.Sessions, practice.Range{Until: endOfDay.Add(time.Nanosecond)})

	practiceTotal := xp.ComputeTotal(sessions, p.XP)
	total, err := xp.ApplyAdjustments(practiceTotal, in.Adjustments)
	if err != nil {
		return Report{}, err
	}
	standing := table.LevelOf(total.TotalXP)
	breakdown := xp.ComputeBreakdown(sessions, p.XP)

	tags := skillTags(p.Skills.Tracked, in.Items)
	stats := skill.ComputeAll(sessions, tags, p.Skills)

	derivations, err := backpack.DeriveAll(in.Items, stats, sessions, in.Previous, backpack.Options{
		AsOf:     endOfDay,
		Location: loc,
		Policy:   p.Backpack,
	})
	if err != nil {
		return Report{}, err
	}

	r := Report{
		StudentID:     in.StudentID,
		AsOf:          in.AsOf,
		PolicyVersion: p.Version,
		Sessions:      len(sessions),
		XP:            total,
		Breakdown:     breakdown,
		Standing:      standing,
		Skills:        skill.Ordered(stats, tags),
		Radar:         skill.NewRadar(breakdown, goalsFor(table, standing.Level, p.Skills), p.Skills.Tracked),
		Backpack:      derivations,
		Streak:        streak.Compute(sessions, in.AsOf, loc, p.Streak),
		Ratings:       streak.AggregateRatings(sessions),
	}
	for _, s := range sessions {
		r.PracticeSeconds += s.DurationSeconds
	}
	return r, nil
}

// skillTags is the tracked skills followed by any other skill an item
// needs, without duplicates.
func skillTags(tracked []string, items []backpack.Item) []string {
	seen := make(map[string]bool, len(tracked))
	out := make([]string, 0, len(tracked))
	add := func(tag string) {
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	for _, t := range tracked {
		add(t)
	}
	for _, item := range items {
		for _, t := range item.Skills {
			add(t)
		}
	}
	return out
}

func goalsFor(table level.Table, lvl int, p policy.SkillPolicy) map[string]int64 {
	goals := table.SkillGoals(lvl)
	out := make(map[string]int64, len(p.Tracked))
	for _, s := range p.Tracked {
		if g, ok := goals[s]; ok {
			out[s] = g
		} else {
			out[s] = p.DefaultGoalXP
		}
	}
	return out
}
