package skill

import (
	"math"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
)

// RadarMax is the outer ring of the skill radar.
const RadarMax = 10.0

// Axis is one spoke of the skill radar.
type Axis struct {
	Skill string  `json:"skill"`
	Value float64 `json:"value"`
	XP    int64   `json:"xp"`
	Goal  int64   `json:"goal"`
}

// Radar is a fixed-order set of axes.
type Radar []Axis

// NewRadar normalizes per-skill XP against the level goals onto 0-10.
// A skill whose goal is zero or missing plots at 0.
func NewRadar(breakdown xp.Breakdown, goals map[string]int64, skills []string) Radar {
	out := make(Radar, 0, len(skills))
	for _, s := range skills {
		a := Axis{Skill: s, XP: breakdown.BySkill[s], Goal: goals[s]}
		if a.Goal > 0 {
			a.Value = math.Min(RadarMax, float64(a.XP)/float64(a.Goal)*RadarMax)
			a.Value = math.Round(a.Value*100) / 100
		}
		out = append(out, a)
	}
	return out
}

// CohortRadar averages each axis over the cohort. A student with no value
// for an axis counts as 0 on it.
func CohortRadar(radars map[string]Radar, skills []string) (Radar, error) {
	if len(radars) == 0 {
		return nil, shared.ErrEmptyCohort.Detail("no radars to average")
	}

	out := make(Radar, len(skills))
	for i, s := range skills {
		var value, xpSum, goalSum float64
		for _, r := range radars {
			for _, a := range r {
				if a.Skill == s {
					value += a.Value
					xpSum += float64(a.XP)
					goalSum += float64(a.Goal)
					break
				}
			}
		}
		n := float64(len(radars))
		out[i] = Axis{
			Skill: s,
			Value: math.Round(value/n*100) / 100,
			XP:    int64(math.Round(xpSum / n)),
			Goal:  int64(math.Round(goalSum / n)),
		}
	}
	return out, nil
}
