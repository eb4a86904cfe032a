// Package timeutil provides calendar helpers that operate in an explicit
// location. Day, week and month boundaries are always computed on the wall
// clock of the given location, so a session at 23:30 local time belongs to
// that local day regardless of its UTC instant.
// No external dependencies - uses only standard library.
package timeutil

import (
	"time"
)

// DefaultLocation is used when a caller passes a nil location.
var DefaultLocation = time.UTC

// Common date formats.
const (
	FormatDate     = "2006-01-02"
	FormatDateTime = "2006-01-02 15:04:05"
	FormatMonth    = "2006-01"
)

func locOrDefault(loc *time.Location) *time.Location {
	if loc == nil {
		return DefaultLocation
	}
	return loc
}

// LoadLocation resolves an IANA name, falling back to UTC on error.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return DefaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return DefaultLocation
	}
	return loc
}

// Date creates midnight of the given date in loc.
func Date(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, locOrDefault(loc))
}

// StartOfDay returns local midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(locOrDefault(loc))
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, l.Location())
}

// EndOfDay returns the last instant of t's local day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return AddDays(StartOfDay(t, loc), 1).Add(-time.Nanosecond)
}

// StartOfWeek returns Monday 00:00 of t's week in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	day := StartOfDay(t, loc)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return day.AddDate(0, 0, -(weekday - 1))
}

// StartOfFortnight returns the 1st or the 16th of t's month in loc.
func StartOfFortnight(t time.Time, loc *time.Location) time.Time {
	day := StartOfDay(t, loc)
	if day.Day() >= 16 {
		return time.Date(day.Year(), day.Month(), 16, 0, 0, 0, 0, day.Location())
	}
	return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
}

// StartOfMonth returns the first day of t's month in loc.
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	l := t.In(locOrDefault(loc))
	return time.Date(l.Year(), l.Month(), 1, 0, 0, 0, 0, l.Location())
}

// DayKey formats t's local date as YYYY-MM-DD.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(locOrDefault(loc)).Format(FormatDate)
}

// ParseDate parses a YYYY-MM-DD string as local midnight in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, locOrDefault(loc))
}

// DaysBetween returns the signed number of calendar days from t1 to t2 in
// loc. It counts dates, not 24h periods, so DST shifts do not skew it.
func DaysBetween(t1, t2 time.Time, loc *time.Location) int {
	a := t1.In(locOrDefault(loc))
	b := t2.In(locOrDefault(loc))
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// AddDays moves a local midnight by n calendar days.
func AddDays(day time.Time, n int) time.Time {
	return day.AddDate(0, 0, n)
}
