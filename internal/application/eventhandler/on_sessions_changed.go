// Package eventhandler reacts to changes of the engine's inputs. Handlers
// keep the cohort cache consistent with the session store and the active
// policy.
package eventhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Event origins. A change first seen by another instance arrives with
// OriginPeer and is not relayed again.
const (
	OriginDatabase = "database"
	OriginPeer     = "peer"
	OriginLocal    = "local"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON SESSIONS CHANGED HANDLER
// ═══════════════════════════════════════════════════════════════════════════

// StudentInvalidator drops everything memoized for a student.
type StudentInvalidator interface {
	InvalidateStudent(ctx context.Context, studentID string)
}

// PeerNotifier tells sibling instances about a change.
type PeerNotifier interface {
	Publish(ctx context.Context, studentID string) error
}

// OnSessionsChangedHandler invalidates the student locally and in the
// shared store, then relays the change to sibling instances.
type OnSessionsChangedHandler struct {
	cache   StudentInvalidator
	peers   PeerNotifier
	timeout time.Duration
	logger  *slog.Logger
}

// NewOnSessionsChangedHandler creates the handler. peers may be nil for a
// single instance.
func NewOnSessionsChangedHandler(cache StudentInvalidator, peers PeerNotifier, logger *slog.Logger) *OnSessionsChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnSessionsChangedHandler{
		cache:   cache,
		peers:   peers,
		timeout: 5 * time.Second,
		logger:  logger.With("handler", "on_sessions_changed"),
	}
}

// Handle implements shared.EventHandler.
func (h *OnSessionsChangedHandler) Handle(event shared.Event) error {
	changed, ok := event.(shared.SessionsChangedEvent)
	if !ok {
		h.logger.Warn("received unexpected event", "event_type", event.EventType())
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.cache.InvalidateStudent(ctx, changed.StudentID)
	h.logger.Debug("student invalidated",
		"student_id", changed.StudentID,
		"origin", changed.Origin,
	)

	if h.peers == nil || changed.Origin == OriginPeer {
		return nil
	}
	return h.peers.Publish(ctx, changed.StudentID)
}
