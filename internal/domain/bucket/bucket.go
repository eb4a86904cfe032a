// Package bucket maps timestamps to coarse time buckets for charting and
// picks a granularity that fits a chart's resolution. Weeks start on Monday.
package bucket

import (
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Granularity is the width of a time bucket.
type Granularity string

const (
	Day       Granularity = "day"
	Week      Granularity = "week"
	Fortnight Granularity = "fortnight"
	Month     Granularity = "month"
)

// Granularities lists every granularity from finest to coarsest.
var Granularities = []Granularity{Day, Week, Fortnight, Month}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	switch g {
	case Day, Week, Fortnight, Month:
		return true
	}
	return false
}

// ParseGranularity parses a granularity name case-insensitively.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", shared.ErrInvalidGranularity.Detail("%q", s)
	}
	return g, nil
}

// Bucket is a half-open interval [Start, End) keyed for grouping.
type Bucket struct {
	Granularity Granularity `json:"granularity"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Key         string      `json:"key"`
}

// Contains reports whether t falls inside the bucket.
func (b Bucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// BucketOf returns the bucket of t under g, computed on loc's calendar.
func BucketOf(t time.Time, g Granularity, loc *time.Location) (Bucket, error) {
	var start time.Time
	switch g {
	case Day:
		start = timeutil.StartOfDay(t, loc)
	case Week:
		start = timeutil.StartOfWeek(t, loc)
	case Fortnight:
		start = timeutil.StartOfFortnight(t, loc)
	case Month:
		start = timeutil.StartOfMonth(t, loc)
	default:
		return Bucket{}, shared.ErrInvalidGranularity.Detail("%q", string(g))
	}
	return Bucket{
		Granularity: g,
		Start:       start,
		End:         advance(start, g),
		Key:         start.Format(timeutil.FormatDate),
	}, nil
}

// advance returns the start of the bucket after the one starting at start.
func advance(start time.Time, g Granularity) time.Time {
	switch g {
	case Week:
		return start.AddDate(0, 0, 7)
	case Fortnight:
		if start.Day() == 1 {
			return start.AddDate(0, 0, 15)
		}
		return time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, start.Location())
	case Month:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Count returns how many g-buckets the closed range [from, to] touches.
// The order of from and to does not matter.
func Count(from, to time.Time, g Granularity, loc *time.Location) (int, error) {
	if !g.Valid() {
		return 0, shared.ErrInvalidGranularity.Detail("%q", string(g))
	}
	if to.Before(from) {
		from, to = to, from
	}

	switch g {
	case Day:
		return timeutil.DaysBetween(from, to, loc) + 1, nil
	case Week:
		return timeutil.DaysBetween(timeutil.StartOfWeek(from, loc), timeutil.StartOfWeek(to, loc), loc)/7 + 1, nil
	case Fortnight:
		return fortnightIndex(to, loc) - fortnightIndex(from, loc) + 1, nil
	default:
		return monthIndex(to, loc) - monthIndex(from, loc) + 1, nil
	}
}

func monthIndex(t time.Time, loc *time.Location) int {
	l := timeutil.StartOfDay(t, loc)
	return l.Year()*12 + int(l.Month()) - 1
}

func fortnightIndex(t time.Time, loc *time.Location) int {
	idx := monthIndex(t, loc) * 2
	if timeutil.StartOfDay(t, loc).Day() >= 16 {
		idx++
	}
	return idx
}

// ChooseBucket returns the finest granularity whose bucket count over the
// range does not exceed maxBuckets. When nothing fits it returns Month.
// maxBuckets below 1 is treated as 1.
func ChooseBucket(from, to time.Time, maxBuckets int, loc *time.Location) Granularity {
	if maxBuckets < 1 {
		maxBuckets = 1
	}
	for _, g := range Granularities {
		n, err := Count(from, to, g, loc)
		if err == nil && n <= maxBuckets {
			return g
		}
	}
	return Month
}

// ChooseByRange picks a granularity from the range length alone:
// up to 60 days by day, up to 120 by week, up to a year by fortnight,
// anything longer by month.
func ChooseByRange(from, to time.Time, loc *time.Location) Granularity {
	days := timeutil.DaysBetween(from, to, loc)
	if days < 0 {
		days = -days
	}
	switch {
	case days <= 60:
		return Day
	case days <= 120:
		return Week
	case days <= 365:
		return Fortnight
	default:
		return Month
	}
}
