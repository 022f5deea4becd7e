package repositories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/familybubble/backend/internal/db"
)

// ChangeSink receives bubble ids whose membership changed.
type ChangeSink interface {
	Changed(ctx context.Context, bubbleID string)
}

// PostgresChangeListener relays NOTIFY payloads on NodeChangesChannel into a
// ChangeSink so rosters served by this instance observe writes made by others.
type PostgresChangeListener struct {
	pool   db.Pool
	sink   ChangeSink
	logger *slog.Logger

	// RetryDelay is the pause before re-establishing a dropped LISTEN session.
	RetryDelay time.Duration
}

// NewPostgresChangeListener constructs a listener. Run must be called to start it.
func NewPostgresChangeListener(pool db.Pool, sink ChangeSink, logger *slog.Logger) *PostgresChangeListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresChangeListener{
		pool:       pool,
		sink:       sink,
		logger:     logger,
		RetryDelay: 2 * time.Second,
	}
}

// Run listens until ctx is cancelled, reconnecting after connection failures.
func (l *PostgresChangeListener) Run(ctx context.Context) error {
	if l.pool == nil || l.sink == nil {
		return errors.New("change listener missing dependencies")
	}

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("node change listener interrupted", "error", err)

		timer := time.NewTimer(l.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *PostgresChangeListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	// A connection that was LISTENing is not safe to hand back to the pool.
	defer func() {
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+NodeChangesChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NodeChangesChannel, err)
	}
	l.logger.Info("listening for node changes", "channel", NodeChangesChannel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if notification.Payload == "" {
			continue
		}
		l.sink.Changed(ctx, notification.Payload)
	}
}
