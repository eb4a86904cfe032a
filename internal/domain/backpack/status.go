// Package backpack classifies trackable exercises and techniques into
// mastery states.
//
// The states form a closed graph:
//
//	not_started -> in_progress -> consolidating -> mastered
//	mastered -> consolidating   (decay after the staleness window)
//
// Every derived change walks this graph one edge at a time.
package backpack

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Status is the mastery state of one item for one student.
type Status string

const (
	StatusNotStarted    Status = "not_started"
	StatusInProgress    Status = "in_progress"
	StatusConsolidating Status = "consolidating"
	StatusMastered      Status = "mastered"
)

// Statuses lists every status in graph order.
var Statuses = []Status{StatusNotStarted, StatusInProgress, StatusConsolidating, StatusMastered}

// Valid reports whether s is one of the four states.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusConsolidating, StatusMastered:
		return true
	}
	return false
}

// Rank orders statuses along the graph, starting at 0.
func (s Status) Rank() int {
	for i, st := range Statuses {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStatus parses a stored status. The empty string is not_started.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return StatusNotStarted, nil
	}
	st := Status(s)
	if !st.Valid() {
		return "", shared.NewDomainError("backpack", "ParseStatus", shared.ErrInvalidFormat, fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

var edges = map[Status]map[Status]bool{
	StatusNotStarted:    {StatusInProgress: true},
	StatusInProgress:    {StatusConsolidating: true},
	StatusConsolidating: {StatusMastered: true},
	StatusMastered:      {StatusConsolidating: true},
}

// AllowedTransition reports whether from -> to is an edge of the graph.
// Staying in the same state is not a transition and is always allowed.
func AllowedTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	return edges[from][to]
}

// ItemKind separates exercises from techniques.
type ItemKind string

const (
	KindExercise  ItemKind = "exercise"
	KindTechnique ItemKind = "technique"
)

// Item is a trackable backpack entry.
type Item struct {
	ID   string   `json:"id"`
	Kind ItemKind `json:"kind"`
	Name string   `json:"name,omitempty"`

	// Skills are the skill tags whose stats score the item.
	Skills []string `json:"skills"`

	// ExerciseID links an exercise item to block entries.
	ExerciseID string `json:"exercise_id,omitempty"`
}

// Repository reads a student's backpack and the statuses last recorded for
// it. Recorded statuses anchor decay and holding in mastered.
//
// SaveStatuses records statuses evaluated at evaluatedAt. A stored status
// that was evaluated later than evaluatedAt is left untouched.
type Repository interface {
	ListItems(ctx context.Context, studentID string) ([]Item, error)
	ListStatuses(ctx context.Context, studentID string) (map[string]Status, error)
	SaveStatuses(ctx context.Context, studentID string, statuses map[string]Status, evaluatedAt time.Time) error
}
