// Package practice defines the immutable practice-session records the engine
// reads, their validated construction, ordering checks and fingerprints.
package practice

import (
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Scale is the bounded ordinal scale of self ratings.
type Scale struct {
	Min int
	Max int
}

// DefaultScale is the 1-5 self-rating scale.
var DefaultScale = Scale{Min: 1, Max: 5}

// ScaleSource yields the rating scale in force when sessions are read.
type ScaleSource interface {
	RatingScale() Scale
}

// RatingScale makes a fixed scale its own source.
func (s Scale) RatingScale() Scale { return s }

// Contains reports whether r lies inside the scale.
func (s Scale) Contains(r int) bool {
	return r >= s.Min && r <= s.Max
}

// BlockEntry is one practiced block inside a session.
type BlockEntry struct {
	SkillTag    string `json:"skill_tag"`
	SelfRating  *int   `json:"self_rating,omitempty"`
	ExerciseID  string `json:"exercise_id,omitempty"`
	TargetBPM   int    `json:"target_bpm,omitempty"`
	AchievedBPM int    `json:"achieved_bpm,omitempty"`
	Completed   bool   `json:"completed,omitempty"`
}

// Rated reports whether the entry carries a self rating.
func (b BlockEntry) Rated() bool {
	return b.SelfRating != nil
}

// HasTempo reports whether both target and achieved BPM are recorded.
func (b BlockEntry) HasTempo() bool {
	return b.TargetBPM > 0 && b.AchievedBPM > 0
}

// TempoRatio returns achieved/target BPM, or 0 when tempo is not recorded.
func (b BlockEntry) TempoRatio() float64 {
	if !b.HasTempo() {
		return 0
	}
	return float64(b.AchievedBPM) / float64(b.TargetBPM)
}

// Session is an immutable practice-session record. Build it through
// NewSession; the engine never mutates a Session after construction.
type Session struct {
	ID              string       `json:"id"`
	StudentID       string       `json:"student_id"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         time.Time    `json:"ended_at"`
	DurationSeconds int64        `json:"duration_seconds"`
	Blocks          []BlockEntry `json:"blocks"`
}

// Rating returns a pointer to r, for building entries inline.
func Rating(r int) *int {
	return &r
}

// NewSession validates raw and returns a deep copy safe to share between
// goroutines. A missing EndedAt is derived from the duration and a zero
// duration is derived from EndedAt.
func NewSession(raw Session, scale Scale) (Session, error) {
	const op = "NewSession"

	if strings.TrimSpace(raw.ID) == "" {
		return Session{}, malformed(op, "id is required")
	}
	if strings.TrimSpace(raw.StudentID) == "" {
		return Session{}, malformed(op, "student id is required for session %s", raw.ID)
	}
	if raw.StartedAt.IsZero() {
		return Session{}, malformed(op, "started_at is required for session %s", raw.ID)
	}
	if raw.DurationSeconds < 0 {
		return Session{}, malformed(op, "negative duration %d for session %s", raw.DurationSeconds, raw.ID)
	}

	s := Session{
		ID:              raw.ID,
		StudentID:       raw.StudentID,
		StartedAt:       raw.StartedAt,
		EndedAt:         raw.EndedAt,
		DurationSeconds: raw.DurationSeconds,
	}

	switch {
	case s.EndedAt.IsZero():
		s.EndedAt = s.StartedAt.Add(time.Duration(s.DurationSeconds) * time.Second)
	case s.EndedAt.Before(s.StartedAt):
		return Session{}, malformed(op, "ended_at before started_at for session %s", raw.ID)
	case s.DurationSeconds == 0:
		s.DurationSeconds = int64(s.EndedAt.Sub(s.StartedAt) / time.Second)
	}

	if len(raw.Blocks) > 0 {
		s.Blocks = make([]BlockEntry, 0, len(raw.Blocks))
	}
	for i, b := range raw.Blocks {
		entry, err := NewBlockEntry(b, scale)
		if err != nil {
			return Session{}, shared.WrapError("practice", op, shared.ErrInvalidEntity,
				"malformed block in session "+raw.ID, err).Detail("block %d", i)
		}
		s.Blocks = append(s.Blocks, entry)
	}

	return s, nil
}

// NewBlockEntry validates a block entry and copies its rating.
func NewBlockEntry(raw BlockEntry, scale Scale) (BlockEntry, error) {
	const op = "NewBlockEntry"

	tag := strings.TrimSpace(raw.SkillTag)
	if tag == "" {
		return BlockEntry{}, malformed(op, "skill tag is required")
	}
	if raw.TargetBPM < 0 || raw.AchievedBPM < 0 {
		return BlockEntry{}, malformed(op, "negative bpm")
	}

	b := raw
	b.SkillTag = tag
	if raw.SelfRating != nil {
		r := *raw.SelfRating
		if !scale.Contains(r) {
			return BlockEntry{}, malformed(op, "rating %d outside scale %d-%d", r, scale.Min, scale.Max)
		}
		b.SelfRating = &r
	}
	return b, nil
}

// Duration returns the session duration.
func (s Session) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

func malformed(op, format string, args ...any) error {
	err := shared.ErrMalformedSession.Detail(format, args...)
	err.Op = op
	return err
}
