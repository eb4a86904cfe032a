package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOfWeek_Monday(t *testing.T) {
	t.Parallel()

	// 2024-03-10 is a Sunday.
	sunday := time.Date(2024, 3, 10, 22, 15, 0, 0, time.UTC)
	assert.Equal(t, Date(2024, 3, 4, time.UTC), StartOfWeek(sunday, time.UTC))

	monday := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, StartOfWeek(monday, time.UTC))
}

func TestStartOfDay_UsesLocation(t *testing.T) {
	t.Parallel()

	almaty := time.FixedZone("Asia/Almaty", 5*60*60)
	// 20:30 UTC is already the next day in Almaty.
	ts := time.Date(2024, 5, 1, 20, 30, 0, 0, time.UTC)

	assert.Equal(t, "2024-05-02", DayKey(ts, almaty))
	assert.Equal(t, "2024-05-01", DayKey(ts, time.UTC))
	assert.Equal(t, Date(2024, 5, 2, almaty), StartOfDay(ts, almaty))

	end := EndOfDay(ts, almaty)
	assert.Equal(t, "2024-05-02", DayKey(end, almaty))
	assert.Equal(t, "2024-05-03", DayKey(end.Add(time.Nanosecond), almaty))
}

func TestStartOfFortnight(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Date(2024, 2, 1, nil), StartOfFortnight(time.Date(2024, 2, 15, 12, 0, 0, 0, time.UTC), nil))
	assert.Equal(t, Date(2024, 2, 16, nil), StartOfFortnight(time.Date(2024, 2, 16, 0, 0, 0, 0, time.UTC), nil))
	assert.Equal(t, Date(2024, 2, 16, nil), StartOfFortnight(time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), nil))
}

func TestDaysBetween(t *testing.T) {
	t.Parallel()

	a := time.Date(2024, 1, 30, 23, 59, 0, 0, time.UTC)
	b := time.Date(2024, 2, 2, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, 3, DaysBetween(a, b, time.UTC))
	assert.Equal(t, -3, DaysBetween(b, a, time.UTC))
	assert.Equal(t, 0, DaysBetween(a, a.Add(time.Minute*-30), time.UTC))
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	got, err := ParseDate("2024-07-01", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, Date(2024, 7, 1, time.UTC), got)

	_, err = ParseDate("01.07.2024", time.UTC)
	assert.Error(t, err)
}
