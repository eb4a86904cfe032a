// Package skill scores per-skill mastery from session self ratings.
package skill

import (
	"context"
	"math"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Stat is the mastery score of one skill for one student.
type Stat struct {
	SkillTag string `json:"skill_tag"`

	// Score is in [0, 100].
	Score float64 `json:"score"`

	// SampleCount is the number of entries contributing to Score.
	SampleCount int `json:"sample_count"`
	RatedCount  int `json:"rated_count"`

	// LastPracticedAt is the newest session with an entry for the skill,
	// rated or not. Zero when never practiced.
	LastPracticedAt time.Time `json:"last_practiced_at"`
}

// Practiced reports whether any entry for the skill was seen.
func (s Stat) Practiced() bool {
	return !s.LastPracticedAt.IsZero()
}

// Normalize maps a rating onto [0, 100] for the policy's scale.
func Normalize(rating int, p policy.SkillPolicy) float64 {
	span := float64(p.RatingMax - p.RatingMin)
	if span <= 0 {
		return p.NeutralScore
	}
	v := float64(rating-p.RatingMin) / span * 100
	return math.Max(0, math.Min(100, v))
}

// Compute scores tag over sessions. Each rated entry contributes its
// normalized rating weighted by 0.5^(age/half-life), with age measured from
// the newest session in the slice, so the result depends on the sessions
// alone. Unrated entries contribute the neutral score only when the policy
// enables implicit neutral contributions. With no contributing entries the
// score is the neutral score and SampleCount is 0.
func Compute(sessions []practice.Session, tag string, p policy.SkillPolicy) Stat {
	stat := Stat{SkillTag: tag, Score: p.NeutralScore}
	anchor := practice.Latest(sessions)

	var sum, weights float64
	for _, s := range sessions {
		w := weight(anchor.Sub(s.StartedAt), p.RecencyHalfLifeDays)
		for _, b := range s.Blocks {
			if b.SkillTag != tag {
				continue
			}
			if s.StartedAt.After(stat.LastPracticedAt) {
				stat.LastPracticedAt = s.StartedAt
			}

			switch {
			case b.Rated():
				sum += w * Normalize(*b.SelfRating, p)
				weights += w
				stat.RatedCount++
				stat.SampleCount++
			case p.ImplicitNeutral:
				sum += w * p.NeutralScore
				weights += w
				stat.SampleCount++
			}
		}
	}

	if weights > 0 {
		stat.Score = math.Round(sum/weights*100) / 100
	}
	return stat
}

// weight halves every halfLifeDays of age. A zero half-life disables
// weighting.
func weight(age time.Duration, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 || age <= 0 {
		return 1
	}
	days := age.Hours() / 24
	return math.Pow(0.5, days/halfLifeDays)
}

// ComputeAll scores every tag over the same sessions.
func ComputeAll(sessions []practice.Session, tags []string, p policy.SkillPolicy) map[string]Stat {
	out := make(map[string]Stat, len(tags))
	for _, tag := range tags {
		out[tag] = Compute(sessions, tag, p)
	}
	return out
}

// ComputeMultiple is ComputeAll over a cohort, run in parallel.
func ComputeMultiple(ctx context.Context, sessionsByStudent map[string][]practice.Session, tags []string, p policy.SkillPolicy) (map[string]map[string]Stat, error) {
	return shared.MapStudents(ctx, sessionsByStudent, func(_ string, sessions []practice.Session) map[string]Stat {
		return ComputeAll(sessions, tags, p)
	})
}

// Ordered returns stats in the order of tags.
func Ordered(stats map[string]Stat, tags []string) []Stat {
	out := make([]Stat, 0, len(tags))
	for _, tag := range tags {
		if s, ok := stats[tag]; ok {
			out = append(out, s)
		}
	}
	return out
}
