package eventhandler

import (
	"log/slog"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Purger drops every memoized artifact.
type Purger interface {
	Purge()
}

// OnPolicyReloadedHandler purges the local cache when a new policy becomes
// active. Shared store entries need no purge: their fingerprints carry the
// policy version.
type OnPolicyReloadedHandler struct {
	cache  Purger
	logger *slog.Logger
}

// NewOnPolicyReloadedHandler creates the handler.
func NewOnPolicyReloadedHandler(cache Purger, logger *slog.Logger) *OnPolicyReloadedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnPolicyReloadedHandler{cache: cache, logger: logger.With("handler", "on_policy_reloaded")}
}

// Handle implements shared.EventHandler.
func (h *OnPolicyReloadedHandler) Handle(event shared.Event) error {
	reloaded, ok := event.(shared.PolicyReloadedEvent)
	if !ok {
		h.logger.Warn("received unexpected event", "event_type", event.EventType())
		return nil
	}
	h.cache.Purge()
	h.logger.Info("cache purged after policy reload", "policy_version", reloaded.Version)
	return nil
}
