// Package streak computes consecutive-day practice streaks and self-rating
// aggregates.
package streak

import (
	"sort"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Streak is a student's run of consecutive practice days.
type Streak struct {
	CurrentDays   int    `json:"current_days"`
	LongestDays   int    `json:"longest_days"`
	LastActiveDay string `json:"last_active_day,omitempty"`
	ActiveDays    int    `json:"active_days"`
}

// Compute derives the streak as of asOf. A day counts when it holds a
// session of at least MinSessionSeconds, attributed to the local day the
// session started on. The current streak is the run ending on the last
// active day, or 0 when that day is more than GraceDays before asOf's day.
// Sessions starting after asOf's day are ignored.
func Compute(sessions []practice.Session, asOf time.Time, loc *time.Location, p policy.StreakPolicy) Streak {
	today := timeutil.StartOfDay(asOf, loc)

	seen := make(map[string]time.Time)
	for _, s := range sessions {
		if s.DurationSeconds < int64(p.MinSessionSeconds) {
			continue
		}
		d := timeutil.StartOfDay(s.StartedAt, loc)
		if d.After(today) {
			continue
		}
		seen[d.Format(timeutil.FormatDate)] = d
	}
	if len(seen) == 0 {
		return Streak{}
	}

	days := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var out Streak
	run := 0
	for i, d := range days {
		if i > 0 && timeutil.DaysBetween(days[i-1], d, loc) == 1 {
			run++
		} else {
			run = 1
		}
		if run > out.LongestDays {
			out.LongestDays = run
		}
	}

	last := days[len(days)-1]
	out.LastActiveDay = last.Format(timeutil.FormatDate)
	out.ActiveDays = len(days)
	if timeutil.DaysBetween(last, today, loc) <= p.GraceDays {
		out.CurrentDays = run
	}
	return out
}

// RatingSummary aggregates every self rating in a slice. Mean is nil when
// Count is 0.
type RatingSummary struct {
	Mean  *float64 `json:"mean"`
	Count int      `json:"count"`
	Min   int      `json:"min,omitempty"`
	Max   int      `json:"max,omitempty"`
}

// AggregateRatings averages all rated block entries.
func AggregateRatings(sessions []practice.Session) RatingSummary {
	var out RatingSummary
	var sum int
	for _, s := range sessions {
		for _, b := range s.Blocks {
			if b.SelfRating == nil {
				continue
			}
			r := *b.SelfRating
			if out.Count == 0 || r < out.Min {
				out.Min = r
			}
			if out.Count == 0 || r > out.Max {
				out.Max = r
			}
			sum += r
			out.Count++
		}
	}
	if out.Count > 0 {
		mean := float64(sum) / float64(out.Count)
		out.Mean = &mean
	}
	return out
}
