package practice

import (
	"time"
)

// DefaultOrderTolerance is how far a session may start before its
// predecessor in a repository slice. Clocks on logging devices drift by a
// few seconds; anything larger means the adapter broke its ordering contract.
const DefaultOrderTolerance = 5 * time.Second

// CheckSlice verifies that every session belongs to studentID and that the
// slice is ascending by StartedAt within tolerance. It never re-sorts.
func CheckSlice(studentID string, sessions []Session, tolerance time.Duration) error {
	const op = "CheckSlice"

	for _, s := range sessions {
		if s.StudentID != studentID {
			return malformed(op, "session %s belongs to %s, not %s", s.ID, s.StudentID, studentID)
		}
	}
	return CheckOrdered(sessions, tolerance)
}

// CheckOrdered verifies that sessions ascend by StartedAt, allowing a
// predecessor to start at most tolerance after its successor.
func CheckOrdered(sessions []Session, tolerance time.Duration) error {
	for i := 1; i < len(sessions); i++ {
		prev, s := sessions[i-1], sessions[i]
		if drift := prev.StartedAt.Sub(s.StartedAt); drift > tolerance {
			return malformed("CheckOrdered", "session %s starts %s before its predecessor %s", s.ID, drift, prev.ID)
		}
	}
	return nil
}

// Latest returns the newest StartedAt in the slice, or zero for none.
func Latest(sessions []Session) time.Time {
	var latest time.Time
	for _, s := range sessions {
		if s.StartedAt.After(latest) {
			latest = s.StartedAt
		}
	}
	return latest
}
