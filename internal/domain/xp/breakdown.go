package xp

import (
	"math"
	"sort"

	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
)

// Breakdown attributes practice XP to skill axes.
type Breakdown struct {
	BySkill map[string]int64 `json:"by_skill"`

	// Unattributed is XP from sessions without blocks and from split
	// weights that sum below one.
	Unattributed int64 `json:"unattributed"`
}

// Skills returns the skill names of the breakdown in ascending order.
func (b Breakdown) Skills() []string {
	out := make([]string, 0, len(b.BySkill))
	for k := range b.BySkill {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ComputeBreakdown splits every session delta across its blocks and then
// each block's share across skill axes using the policy's skill splits.
// A session's duration XP is shared evenly by its blocks; per-block and
// tempo XP stay with the block that earned them. Values are rounded per
// skill, so their sum may differ from the total by rounding.
func ComputeBreakdown(sessions []practice.Session, p policy.XPPolicy) Breakdown {
	tiers := p.SortedTiers()
	bySkill := make(map[string]float64)
	var unattributed float64

	credit := func(tag string, amount float64) {
		split, ok := p.SkillSplits[tag]
		if !ok {
			bySkill[tag] += amount
			return
		}
		var used float64
		for skill, w := range split {
			bySkill[skill] += amount * w
			used += w
		}
		if used < 1 {
			unattributed += amount * (1 - used)
		}
	}

	for _, s := range sessions {
		base := float64(durationXP(s, p))
		if len(s.Blocks) == 0 {
			unattributed += base
			continue
		}
		share := base / float64(len(s.Blocks))
		for _, b := range s.Blocks {
			credit(b.SkillTag, share+float64(p.PerBlock)+float64(TempoBonus(b, tiers)))
		}
	}

	out := Breakdown{BySkill: make(map[string]int64, len(bySkill))}
	for skill, v := range bySkill {
		out.BySkill[skill] = int64(math.Round(v))
	}
	out.Unattributed = int64(math.Round(unattributed))
	return out
}
