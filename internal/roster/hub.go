package roster

import (
	"context"
	"log/slog"
	"time"

	"github.com/familybubble/backend/internal/models"
)

const publishTimeout = 2 * time.Second

// Config controls the hub's cache and dispatcher.
type Config struct {
	QueueSize int
	Workers   int
	CacheTTL  time.Duration
}

// Hub combines a cached bubble listing with change fan-out. Changed
// invalidates the cached listing before subscribers are signalled, so a
// subscriber that re-reads after a signal observes the write.
type Hub struct {
	cache      *CachingLister
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHub constructs a hub over base and starts its dispatcher.
func NewHub(base Lister, cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cache:      NewCachingLister(base, cfg.CacheTTL),
		dispatcher: NewDispatcher(DispatcherConfig{QueueSize: cfg.QueueSize, Workers: cfg.Workers}, logger),
		logger:     logger,
	}
}

// ListByBubble returns the bubble's nodes, possibly from cache.
func (h *Hub) ListByBubble(ctx context.Context, bubbleID string) ([]models.Node, error) {
	return h.cache.ListByBubble(ctx, bubbleID)
}

// Changed records that bubbleID's membership changed.
func (h *Hub) Changed(ctx context.Context, bubbleID string) {
	if bubbleID == "" {
		return
	}
	h.cache.Invalidate(bubbleID)

	// The write already happened; a caller that went away must not cancel the signal.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := h.dispatcher.Publish(pubCtx, bubbleID); err != nil {
		h.logger.Warn("publish roster change failed", "bubbleId", bubbleID, "error", err)
	}
}

// Subscribe registers for change signals on bubbleID.
func (h *Hub) Subscribe(bubbleID string) (<-chan struct{}, func()) {
	return h.dispatcher.Subscribe(bubbleID)
}

// Shutdown drains pending signals and closes subscriptions.
func (h *Hub) Shutdown(ctx context.Context) error {
	return h.dispatcher.Shutdown(ctx)
}
