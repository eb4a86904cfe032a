package practice

import (
	"context"
	"time"
)

// Range bounds a session query by StartedAt. A zero bound is open.
type Range struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// All is the unbounded range. XP totals must always be computed over it.
var All = Range{}

// Contains reports whether t falls inside the range. Since is inclusive and
// Until is exclusive.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && !t.Before(r.Until) {
		return false
	}
	return true
}

// IsAll reports whether the range is unbounded on both sides.
func (r Range) IsAll() bool {
	return r.Since.IsZero() && r.Until.IsZero()
}

// Repository is the read-only session source the engine consumes.
// Implementations must return sessions ascending by StartedAt and must only
// hand out sessions built through NewSession.
type Repository interface {
	// ListSessions returns one student's sessions inside r.
	ListSessions(ctx context.Context, studentID string, r Range) ([]Session, error)

	// ListSessionsForStudents returns sessions for several students at once.
	// Every requested id is present in the result, with an empty slice when
	// the student has no sessions.
	ListSessionsForStudents(ctx context.Context, studentIDs []string, r Range) (map[string][]Session, error)
}

// Filter returns the sessions of an ordered slice that fall inside r.
func Filter(sessions []Session, r Range) []Session {
	if r.IsAll() {
		return sessions
	}
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if r.Contains(s.StartedAt) {
			out = append(out, s)
		}
	}
	return out
}
