package bucket

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// DefaultMaxDays caps a daily series so a bad range cannot allocate
// unbounded memory. Five years of days.
const DefaultMaxDays = 1825

// Point is one bucket of a chart series.
type Point struct {
	Key             string    `json:"key"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Sessions        int       `json:"sessions"`
	PracticeSeconds int64     `json:"practice_seconds"`
	XP              int64     `json:"xp"`
	MeanRating      *float64  `json:"mean_rating,omitempty"`

	// RatedDays is how many days inside the bucket carried a rating.
	RatedDays int `json:"rated_days"`
}

// Series is an ordered list of points at one granularity.
type Series struct {
	Granularity Granularity `json:"granularity"`
	Points      []Point     `json:"points"`
}

// XPFunc returns the XP a session contributes to its day.
type XPFunc func(practice.Session) int64

// DailySeries builds a zero-filled daily series over [from, to] from an
// ordered session slice. Days without sessions are present with zero values.
// Ranges longer than maxDays keep the most recent maxDays days.
func DailySeries(sessions []practice.Session, from, to time.Time, loc *time.Location, maxDays int, xpOf XPFunc) Series {
	if to.Before(from) {
		from, to = to, from
	}
	if maxDays <= 0 {
		maxDays = DefaultMaxDays
	}

	first := timeutil.StartOfDay(from, loc)
	last := timeutil.StartOfDay(to, loc)
	if timeutil.DaysBetween(first, last, loc)+1 > maxDays {
		first = timeutil.AddDays(last, -(maxDays - 1))
	}

	type acc struct {
		point     Point
		ratingSum float64
		rated     int
	}

	days := make([]acc, 0, timeutil.DaysBetween(first, last, loc)+1)
	index := make(map[string]int)
	for d := first; !d.After(last); d = timeutil.AddDays(d, 1) {
		key := d.Format(timeutil.FormatDate)
		index[key] = len(days)
		days = append(days, acc{point: Point{Key: key, Start: d, End: timeutil.AddDays(d, 1)}})
	}

	for _, s := range sessions {
		i, ok := index[timeutil.DayKey(s.StartedAt, loc)]
		if !ok {
			continue
		}
		a := &days[i]
		a.point.Sessions++
		a.point.PracticeSeconds += s.DurationSeconds
		if xpOf != nil {
			a.point.XP += xpOf(s)
		}
		for _, b := range s.Blocks {
			if b.Rated() {
				a.ratingSum += float64(*b.SelfRating)
				a.rated++
			}
		}
	}

	points := make([]Point, len(days))
	for i, a := range days {
		p := a.point
		if a.rated > 0 {
			mean := a.ratingSum / float64(a.rated)
			p.MeanRating = &mean
			p.RatedDays = 1
		}
		points[i] = p
	}

	return Series{Granularity: Day, Points: points}
}

// Aggregate regroups a daily series into g-buckets. Counts, seconds and XP
// are summed; the rating is the mean of the daily means over the days that
// have one, so a day with many rated blocks does not outweigh other days.
func Aggregate(daily Series, g Granularity, loc *time.Location) (Series, error) {
	if g == Day {
		return daily, nil
	}

	out := Series{Granularity: g}
	var ratingSum float64
	flush := func() {
		if len(out.Points) == 0 {
			return
		}
		p := &out.Points[len(out.Points)-1]
		if p.RatedDays > 0 {
			mean := ratingSum / float64(p.RatedDays)
			p.MeanRating = &mean
		}
		ratingSum = 0
	}

	for _, d := range daily.Points {
		b, err := BucketOf(d.Start, g, loc)
		if err != nil {
			return Series{}, err
		}
		if len(out.Points) == 0 || out.Points[len(out.Points)-1].Key != b.Key {
			flush()
			out.Points = append(out.Points, Point{Key: b.Key, Start: b.Start, End: b.End})
		}
		p := &out.Points[len(out.Points)-1]
		p.Sessions += d.Sessions
		p.PracticeSeconds += d.PracticeSeconds
		p.XP += d.XP
		if d.MeanRating != nil {
			ratingSum += *d.MeanRating
			p.RatedDays++
		}
	}
	flush()

	return out, nil
}
