package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// Listener turns NOTIFY messages on NotifyChannel into callbacks.
type Listener struct {
	conn           *Connection
	log            *logger.Logger
	reconnectDelay time.Duration
}

// NewListener creates a Listener on conn's pool.
func NewListener(conn *Connection, log *logger.Logger) *Listener {
	if log == nil {
		log = logger.Nop()
	}
	return &Listener{
		conn:           conn,
		log:            log.With(logger.Component("pg-listener")),
		reconnectDelay: 2 * time.Second,
	}
}

// Run calls handle with the student id of every notification until ctx is
// done, reconnecting after connection loss.
func (l *Listener) Run(ctx context.Context, handle func(ctx context.Context, studentID string)) error {
	for {
		err := l.listen(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn("listener disconnected", logger.Err(err), logger.Duration("retry_in", l.reconnectDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context, handle func(ctx context.Context, studentID string)) error {
	pc, err := l.conn.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer pc.Release()

	channel := pgx.Identifier{NotifyChannel}.Sanitize()
	if _, err := pc.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	defer func() {
		// The connection goes back to the pool; stop receiving on it.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = pc.Exec(unlistenCtx, "UNLISTEN "+channel)
	}()

	l.log.Info("listening for session changes", logger.String("channel", NotifyChannel))
	for {
		n, err := pc.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Payload == "" {
			continue
		}
		handle(ctx, n.Payload)
	}
}
