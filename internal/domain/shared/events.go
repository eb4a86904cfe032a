package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. The engine only reacts to changes of its inputs.
const (
	// EventSessionsChanged fires when a student's session slice was written
	// by the external logging flow.
	EventSessionsChanged EventType = "practice.sessions_changed"

	// EventPolicyReloaded fires after a new policy version was activated.
	EventPolicyReloaded EventType = "policy.reloaded"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// EventHandler handles a published event.
type EventHandler func(event Event) error

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
}

// EventType returns the event type.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt returns when the event occurred.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID returns the aggregate ID.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped with the current UTC time.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
	}
}

// SessionsChangedEvent signals that a student's sessions were inserted,
// modified or removed. Origin names the instance or listener that saw it
// first so relays can avoid echoing their own messages.
type SessionsChangedEvent struct {
	BaseEvent
	StudentID string `json:"student_id"`
	Origin    string `json:"origin,omitempty"`
}

// Payload returns event data.
func (e SessionsChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"origin":     e.Origin,
	}
}

// NewSessionsChangedEvent creates a new SessionsChangedEvent.
func NewSessionsChangedEvent(studentID, origin string) SessionsChangedEvent {
	return SessionsChangedEvent{
		BaseEvent: NewBaseEvent(EventSessionsChanged, studentID),
		StudentID: studentID,
		Origin:    origin,
	}
}

// PolicyReloadedEvent signals that a policy version became active.
type PolicyReloadedEvent struct {
	BaseEvent
	Version string `json:"version"`
}

// Payload returns event data.
func (e PolicyReloadedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"version": e.Version,
	}
}

// NewPolicyReloadedEvent creates a new PolicyReloadedEvent.
func NewPolicyReloadedEvent(version string) PolicyReloadedEvent {
	return PolicyReloadedEvent{
		BaseEvent: NewBaseEvent(EventPolicyReloaded, version),
		Version:   version,
	}
}
