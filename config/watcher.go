package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// EventPublisher receives policy reload events.
type EventPublisher interface {
	Publish(event shared.Event) error
}

// PolicyWatcher reloads the policy file when it changes on disk. A file that
// fails to parse or validate is logged and the active policy stays in place.
type PolicyWatcher struct {
	path     string
	store    *PolicyStore
	events   EventPublisher
	debounce time.Duration
	log      *logger.Logger
}

// NewPolicyWatcher creates a watcher for path. events may be nil.
func NewPolicyWatcher(path string, store *PolicyStore, events EventPublisher, debounce time.Duration, log *logger.Logger) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PolicyWatcher{
		path:     abs,
		store:    store,
		events:   events,
		debounce: debounce,
		log:      log.With(logger.Component("policy-watcher")),
	}, nil
}

// Reload reads the file and installs it when its version differs from the
// active one. It reports whether the policy changed.
func (w *PolicyWatcher) Reload() (bool, error) {
	p, err := LoadPolicy(w.path)
	if err != nil {
		return false, err
	}
	if p.Version == w.store.Version() {
		return false, nil
	}

	old := w.store.Swap(p)
	w.log.Info("policy reloaded",
		logger.String("previous_version", old.Version),
		logger.PolicyVersion(p.Version))

	if w.events != nil {
		if err := w.events.Publish(shared.NewPolicyReloadedEvent(p.Version)); err != nil {
			w.log.Warn("publish policy reload failed", logger.Err(err))
		}
	}
	return true, nil
}

// Run watches the file's directory until ctx is done. Watching the
// directory keeps working across editors that replace the file by rename.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("watching policy file", logger.String("path", w.path))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if _, err := w.Reload(); err != nil {
				w.log.Warn("policy reload rejected, keeping active policy",
					logger.Err(err),
					logger.PolicyVersion(w.store.Version()))
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", logger.Err(err))
		}
	}
}
