package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule defines when a job should run.
type Schedule interface {
	// Next returns the first run time strictly after t.
	Next(t time.Time) time.Time
	String() string
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERVAL
// ══════════════════════════════════════════════════════════════════════════════

// IntervalSchedule runs a job at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an IntervalSchedule.
func Every(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// Next returns t plus the interval.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

func (s *IntervalSchedule) String() string {
	return "@every " + s.Interval.String()
}

// ══════════════════════════════════════════════════════════════════════════════
// CRON
// ══════════════════════════════════════════════════════════════════════════════

// CronExpression is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week. Each field accepts *, n, n-m,
// */s, n-m/s and comma separated lists of those.
//
//	"5 0 * * *"    every day at 00:05
//	"*/15 * * * *" every 15 minutes
//	"0 6 * * 1"    every Monday at 06:00
type CronExpression struct {
	raw      string
	minutes  fieldSet
	hours    fieldSet
	days     fieldSet
	months   fieldSet
	weekdays fieldSet
}

// fieldSet marks the allowed values of one field, indexed by value.
type fieldSet []bool

func (f fieldSet) has(v int) bool { return v >= 0 && v < len(f) && f[v] }

// Cron expression presets.
const (
	EveryHour        = "0 * * * *"
	EveryDayMidnight = "0 0 * * *"
	AfterMidnight    = "5 0 * * *"
)

// ParseCron parses a cron expression.
func ParseCron(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	ce := &CronExpression{raw: strings.Join(fields, " ")}
	specs := []struct {
		name     string
		dst      *fieldSet
		min, max int
	}{
		{"minute", &ce.minutes, 0, 59},
		{"hour", &ce.hours, 0, 23},
		{"day", &ce.days, 1, 31},
		{"month", &ce.months, 1, 12},
		{"weekday", &ce.weekdays, 0, 6},
	}
	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		*spec.dst = set
	}
	return ce, nil
}

// MustParseCron parses a constant expression or panics.
func MustParseCron(expr string) *CronExpression {
	ce, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return ce
}

func parseField(field string, min, max int) (fieldSet, error) {
	set := make(fieldSet, max+1)
	for _, part := range strings.Split(field, ",") {
		lo, hi, step, err := parseRange(part, min, max)
		if err != nil {
			return nil, err
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return set, nil
}

func parseRange(part string, min, max int) (lo, hi, step int, err error) {
	step = 1
	if base, s, ok := strings.Cut(part, "/"); ok {
		step, err = strconv.Atoi(s)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step %q", s)
		}
		part = base
		// "n/s" runs from n to the end of the field.
		if part != "*" && !strings.Contains(part, "-") {
			lo, err = parseValue(part, min, max)
			return lo, max, step, err
		}
	}

	switch {
	case part == "*":
		return min, max, step, nil
	case strings.Contains(part, "-"):
		a, b, _ := strings.Cut(part, "-")
		if lo, err = parseValue(a, min, max); err != nil {
			return 0, 0, 0, err
		}
		if hi, err = parseValue(b, min, max); err != nil {
			return 0, 0, 0, err
		}
		if lo > hi {
			return 0, 0, 0, fmt.Errorf("invalid range %q", part)
		}
		return lo, hi, step, nil
	default:
		lo, err = parseValue(part, min, max)
		return lo, lo, step, err
	}
}

func parseValue(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of range [%d-%d]", v, min, max)
	}
	return v, nil
}

func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute after t, in t's location. It
// returns the zero time when nothing matches within four years, which only
// happens for impossible dates such as February 30.
func (ce *CronExpression) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !ce.days.has(t.Day()) || !ce.months.has(int(t.Month())) || !ce.weekdays.has(int(t.Weekday())) {
			y, m, d := t.Date()
			t = time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !ce.hours.has(t.Hour()) {
			y, m, d := t.Date()
			t = time.Date(y, m, d, t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if ce.minutes.has(t.Minute()) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}
