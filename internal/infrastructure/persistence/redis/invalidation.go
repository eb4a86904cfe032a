package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// Invalidation is the message sent when a student's sessions change.
type Invalidation struct {
	StudentID string    `json:"student_id"`
	Origin    string    `json:"origin"`
	At        time.Time `json:"at"`
}

type pubsub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan *redis.Message, func() error, error)
}

// Invalidator fans session-change notices out to sibling instances.
type Invalidator struct {
	ps         pubsub
	channel    string
	instanceID string
	log        *logger.Logger
}

// NewInvalidator publishes and listens on the sessions-changed channel of
// c's namespace. instanceID marks messages this process sent itself.
func NewInvalidator(c *Cache, instanceID string, log *logger.Logger) *Invalidator {
	return newInvalidator(c, c.Keys(), instanceID, log)
}

func newInvalidator(ps pubsub, keys Keys, instanceID string, log *logger.Logger) *Invalidator {
	if log == nil {
		log = logger.Nop()
	}
	return &Invalidator{
		ps:         ps,
		channel:    keys.Channel(string(shared.EventSessionsChanged)),
		instanceID: instanceID,
		log:        log.With(logger.Component("invalidator")),
	}
}

// Publish announces that the student's sessions changed.
func (i *Invalidator) Publish(ctx context.Context, studentID string) error {
	payload, err := json.Marshal(Invalidation{StudentID: studentID, Origin: i.instanceID, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := i.ps.Publish(ctx, i.channel, payload); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Run delivers notices from other instances to handle until ctx is done.
func (i *Invalidator) Run(ctx context.Context, handle func(ctx context.Context, studentID string)) error {
	msgs, closeFn, err := i.ps.Subscribe(ctx, i.channel)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	i.log.Info("listening for invalidations", logger.String("channel", i.channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil || inv.StudentID == "" {
				i.log.Warn("malformed invalidation", logger.String("payload", msg.Payload))
				continue
			}
			if inv.Origin == i.instanceID {
				continue
			}
			handle(ctx, inv.StudentID)
		}
	}
}
