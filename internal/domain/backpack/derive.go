package backpack

import (
	"sort"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/skill"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Transition is one edge taken during a derivation.
type Transition struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason"`
}

// Derivation is the derived status of one item with the evidence behind it.
type Derivation struct {
	ItemID   string       `json:"item_id"`
	Status   Status       `json:"status"`
	Previous Status       `json:"previous"`
	Path     []Transition `json:"path,omitempty"`

	Score           float64   `json:"score"`
	Repetitions     int       `json:"repetitions"`
	MasteryScore    int64     `json:"mastery_score"`
	MasteredWeeks   int       `json:"mastered_weeks"`
	LastPracticedAt time.Time `json:"last_practiced_at"`
}

// Options carries the evaluation anchor and thresholds.
type Options struct {
	AsOf     time.Time
	Location *time.Location
	Policy   policy.BackpackPolicy
}

// evidence is what the step function decides on.
type evidence struct {
	score         float64
	repetitions   int
	weeks         int
	last          time.Time
	daysSinceLast int
}

// Derive computes the status of item from the previous recorded status.
// stats must hold the student's stats for the item's skills. The walk moves
// one edge at a time until no rule fires; a decay ends the walk.
func Derive(item Item, stats map[string]skill.Stat, sessions []practice.Session, previous Status, opts Options) (Derivation, error) {
	const op = "Derive"

	if previous == "" {
		previous = StatusNotStarted
	}
	if !previous.Valid() {
		return Derivation{}, shared.NewDomainError("backpack", op, shared.ErrInvalidInput,
			"unknown previous status "+string(previous)+" for item "+item.ID)
	}

	ev := collect(item, stats, sessions, opts)
	d := Derivation{
		ItemID:          item.ID,
		Previous:        previous,
		Score:           ev.score,
		Repetitions:     ev.repetitions,
		MasteryScore:    MasteryScore(item, practice.Filter(sessions, practice.Range{Until: opts.AsOf.Add(time.Nanosecond)})),
		MasteredWeeks:   ev.weeks,
		LastPracticedAt: ev.last,
	}

	cur := previous
	for range Statuses {
		next, reason := step(cur, ev, opts.Policy)
		if next == cur {
			break
		}
		if !AllowedTransition(cur, next) {
			return Derivation{}, shared.ErrIllegalTransition.Detail("%s -> %s for item %s", cur, next, item.ID)
		}
		d.Path = append(d.Path, Transition{From: cur, To: next, Reason: reason})
		decayed := cur == StatusMastered
		cur = next
		if decayed {
			break
		}
	}
	d.Status = cur
	return d, nil
}

func step(cur Status, ev evidence, p policy.BackpackPolicy) (Status, string) {
	practiced := !ev.last.IsZero()

	switch cur {
	case StatusNotStarted:
		if practiced {
			return StatusInProgress, "first practice recorded"
		}
	case StatusInProgress:
		if ev.score >= p.GoodScore && ev.repetitions >= p.MinRepetitions {
			return StatusConsolidating, "good score over minimum repetitions"
		}
	case StatusConsolidating:
		if ev.score >= p.MasteryScore && practiced &&
			ev.daysSinceLast <= p.RecencyWindowDays && ev.weeks >= p.MinMasteredWeeks {
			return StatusMastered, "mastery score with recent practice"
		}
	case StatusMastered:
		if !practiced || ev.daysSinceLast > p.StalenessWindowDays {
			return StatusConsolidating, "no practice within the staleness window"
		}
	}
	return cur, ""
}

func collect(item Item, stats map[string]skill.Stat, sessions []practice.Session, opts Options) evidence {
	var ev evidence

	var weighted float64
	var samples int
	for _, tag := range item.Skills {
		st, ok := stats[tag]
		if !ok || st.SampleCount == 0 {
			continue
		}
		weighted += st.Score * float64(st.SampleCount)
		samples += st.SampleCount
	}
	if samples > 0 {
		ev.score = weighted / float64(samples)
	}

	windowStart := timeutil.AddDays(timeutil.StartOfDay(opts.AsOf, opts.Location), -opts.Policy.RecencyWindowDays)
	days := make(map[string]map[string]struct{})
	for _, s := range sessions {
		if s.StartedAt.After(opts.AsOf) {
			continue
		}
		n := matchingBlocks(item, s)
		if n == 0 {
			continue
		}
		ev.repetitions += n
		if s.StartedAt.After(ev.last) {
			ev.last = s.StartedAt
		}
		if !s.StartedAt.Before(windowStart) {
			week := timeutil.DayKey(timeutil.StartOfWeek(s.StartedAt, opts.Location), opts.Location)
			if days[week] == nil {
				days[week] = make(map[string]struct{})
			}
			days[week][timeutil.DayKey(s.StartedAt, opts.Location)] = struct{}{}
		}
	}
	for _, d := range days {
		if len(d) >= opts.Policy.MasteredWeekDays {
			ev.weeks++
		}
	}
	if !ev.last.IsZero() {
		ev.daysSinceLast = timeutil.DaysBetween(ev.last, opts.AsOf, opts.Location)
	}
	return ev
}

// matchingBlocks counts the blocks of s that practice item: exercise items
// match on exercise id, techniques on any of their skills.
func matchingBlocks(item Item, s practice.Session) int {
	n := 0
	for _, b := range s.Blocks {
		if matches(item, b) {
			n++
		}
	}
	return n
}

func matches(item Item, b practice.BlockEntry) bool {
	if item.ExerciseID != "" {
		return b.ExerciseID == item.ExerciseID
	}
	for _, tag := range item.Skills {
		if b.SkillTag == tag {
			return true
		}
	}
	return false
}

// MasteryScore scores completed work on an item: 10 per completed block,
// plus 5 when the target tempo was reached or 2 when within 90% of it.
func MasteryScore(item Item, sessions []practice.Session) int64 {
	var score int64
	for _, s := range sessions {
		for _, b := range s.Blocks {
			if !b.Completed || !matches(item, b) {
				continue
			}
			score += 10
			if !b.HasTempo() {
				continue
			}
			switch ratio := b.TempoRatio(); {
			case ratio >= 1:
				score += 5
			case ratio >= 0.9:
				score += 2
			}
		}
	}
	return score
}

// DeriveAll derives every item and returns the derivations sorted by item id.
func DeriveAll(items []Item, stats map[string]skill.Stat, sessions []practice.Session, previous map[string]Status, opts Options) ([]Derivation, error) {
	out := make([]Derivation, 0, len(items))
	for _, item := range items {
		d, err := Derive(item, stats, sessions, previous[item.ID], opts)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// StatusMap returns the status of each derivation keyed by item id.
func StatusMap(derivations []Derivation) map[string]Status {
	out := make(map[string]Status, len(derivations))
	for _, d := range derivations {
		out[d.ItemID] = d.Status
	}
	return out
}

// Advanced returns the derivations that moved forward along the graph from
// their recorded status. Decay is a read-time view and never appears here.
func Advanced(previous map[string]Status, derivations []Derivation) map[string]Status {
	out := make(map[string]Status)
	for _, d := range derivations {
		prev := previous[d.ItemID]
		if prev == "" {
			prev = StatusNotStarted
		}
		if d.Status.Rank() > prev.Rank() {
			out[d.ItemID] = d.Status
		}
	}
	return out
}

// Tally counts derivations per status.
func Tally(derivations []Derivation) map[Status]int {
	out := make(map[Status]int, len(Statuses))
	for _, d := range derivations {
		out[d.Status]++
	}
	return out
}
