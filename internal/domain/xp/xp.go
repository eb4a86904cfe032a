// Package xp reduces practice sessions into experience totals.
//
// Two accumulators are kept per student. LifetimePracticeXP is the plain sum
// of session deltas and only grows as sessions are appended. TotalXP starts
// equal to it and additionally moves with adjustments: evaluation grants and
// spends on rewards.
package xp

import (
	"context"
	"math"

	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Total is a student's experience.
type Total struct {
	TotalXP            int64 `json:"total_xp"`
	LifetimePracticeXP int64 `json:"lifetime_practice_xp"`
}

// SessionDelta is the XP one session contributes:
// floor(minutes x PerMinute) + blocks x PerBlock + the tempo bonus of every
// block with recorded tempo. It is never negative and never decreases as
// duration or block count grow.
func SessionDelta(s practice.Session, p policy.XPPolicy) int64 {
	return sessionDelta(s, p, p.SortedTiers())
}

func sessionDelta(s practice.Session, p policy.XPPolicy, tiers []policy.TempoTier) int64 {
	delta := durationXP(s, p)
	delta += int64(len(s.Blocks)) * p.PerBlock
	for _, b := range s.Blocks {
		delta += TempoBonus(b, tiers)
	}
	if delta < 0 {
		return 0
	}
	return delta
}

func durationXP(s practice.Session, p policy.XPPolicy) int64 {
	if s.DurationSeconds <= 0 || p.PerMinute <= 0 {
		return 0
	}
	return int64(math.Floor(float64(s.DurationSeconds) / 60 * p.PerMinute))
}

// TempoBonus returns the XP of the highest tier whose ratio the block
// reaches. tiers must be sorted by MinRatio descending. Blocks without
// both target and achieved BPM earn nothing.
func TempoBonus(b practice.BlockEntry, tiers []policy.TempoTier) int64 {
	if !b.HasTempo() {
		return 0
	}
	ratio := b.TempoRatio()
	for _, tier := range tiers {
		if ratio >= tier.MinRatio {
			return tier.XP
		}
	}
	return 0
}

// ComputeTotal sums session deltas over a student's complete history.
// Callers must pass the whole slice; a windowed slice would break the
// accumulation guarantee of LifetimePracticeXP.
func ComputeTotal(sessions []practice.Session, p policy.XPPolicy) Total {
	tiers := p.SortedTiers()
	var sum int64
	for _, s := range sessions {
		sum += sessionDelta(s, p, tiers)
	}
	return Total{TotalXP: sum, LifetimePracticeXP: sum}
}

// ComputeTotalsMultiple is ComputeTotal over a cohort, run in parallel.
func ComputeTotalsMultiple(ctx context.Context, sessionsByStudent map[string][]practice.Session, p policy.XPPolicy) (map[string]Total, error) {
	return shared.MapStudents(ctx, sessionsByStudent, func(_ string, sessions []practice.Session) Total {
		return ComputeTotal(sessions, p)
	})
}
