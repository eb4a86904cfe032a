// Package practicetest builds validated sessions for tests.
package practicetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/practice"
)

// Block returns a rated block for tag. A rating of 0 leaves it unrated.
func Block(tag string, rating int) practice.BlockEntry {
	b := practice.BlockEntry{SkillTag: tag}
	if rating > 0 {
		b.SelfRating = practice.Rating(rating)
	}
	return b
}

// TempoBlock returns a completed block for an exercise with tempo data.
func TempoBlock(tag, exerciseID string, target, achieved int) practice.BlockEntry {
	return practice.BlockEntry{
		SkillTag:    tag,
		ExerciseID:  exerciseID,
		TargetBPM:   target,
		AchievedBPM: achieved,
		Completed:   true,
	}
}

// Session builds a validated session starting at start.
func Session(t testing.TB, studentID string, start time.Time, durationSeconds int64, blocks ...practice.BlockEntry) practice.Session {
	t.Helper()
	s, err := practice.NewSession(practice.Session{
		ID:              fmt.Sprintf("%s-%d", studentID, start.UnixNano()),
		StudentID:       studentID,
		StartedAt:       start,
		DurationSeconds: durationSeconds,
		Blocks:          blocks,
	}, practice.DefaultScale)
	require.NoError(t, err)
	return s
}

// Daily builds one session per day for days consecutive days ending at last.
func Daily(t testing.TB, studentID string, last time.Time, days int, durationSeconds int64, blocks ...practice.BlockEntry) []practice.Session {
	t.Helper()
	out := make([]practice.Session, 0, days)
	for i := days - 1; i >= 0; i-- {
		out = append(out, Session(t, studentID, last.AddDate(0, 0, -i), durationSeconds, blocks...))
	}
	return out
}
