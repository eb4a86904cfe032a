package shared

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// StudentID Value Object
// ═══════════════════════════════════════════════════════════════════════════

// StudentID identifies a student in the session store. Both UUIDs and
// platform logins are accepted.
type StudentID string

var studentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.@-]{0,127}$`)

// IsValid checks the id format.
func (s StudentID) IsValid() bool {
	return studentIDRegex.MatchString(string(s))
}

// String returns the string representation.
func (s StudentID) String() string {
	return string(s)
}

// NewStudentID trims and validates a student id.
func NewStudentID(id string) (StudentID, error) {
	sid := StudentID(strings.TrimSpace(id))
	if !sid.IsValid() {
		return "", NewDomainError("shared", "NewStudentID", ErrInvalidID, fmt.Sprintf("invalid student id %q", id))
	}
	return sid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Cohort Value Object
// ═══════════════════════════════════════════════════════════════════════════

// MaxCohortSize bounds one cohort query.
const MaxCohortSize = 500

// NewCohort validates, de-duplicates and sorts a set of student ids.
// An empty set fails with ErrEmptyCohort.
func NewCohort(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		sid, err := NewStudentID(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[sid.String()]; dup {
			continue
		}
		seen[sid.String()] = struct{}{}
		out = append(out, sid.String())
	}
	if len(out) == 0 {
		return nil, ErrEmptyCohort
	}
	if len(out) > MaxCohortSize {
		return nil, NewDomainError("shared", "NewCohort", ErrValueOutOfRange,
			fmt.Sprintf("cohort of %d students exceeds %d", len(out), MaxCohortSize))
	}
	sort.Strings(out)
	return out, nil
}
