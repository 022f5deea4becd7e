package bubble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/familybubble/backend/internal/models"
	"github.com/familybubble/backend/internal/repositories"
)

// ChangeNotifier is told which bubble's membership changed after a write.
type ChangeNotifier interface {
	Changed(ctx context.Context, bubbleID string)
}

// RosterHub serves bubble member lists and fans out change signals to
// subscribers of a bubble.
type RosterHub interface {
	ChangeNotifier
	ListByBubble(ctx context.Context, bubbleID string) ([]models.Node, error)
	// Subscribe returns a channel that receives a value after each change to
	// the bubble, and a function releasing the subscription.
	Subscribe(bubbleID string) (<-chan struct{}, func())
}

// Option customises an engine.
type Option func(*options)

type options struct {
	now      func() time.Time
	newToken func() (string, error)
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTokenSource overrides referral token generation.
func WithTokenSource(newToken func() (string, error)) Option {
	return func(o *options) {
		if newToken != nil {
			o.newToken = newToken
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		now:      func() time.Time { return time.Now().UTC() },
		newToken: NewReferralToken,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// storeRoster lists straight from the node store and never signals. It stands
// in when no hub is configured.
type storeRoster struct {
	nodes repositories.NodeStore
}

func (s storeRoster) Changed(context.Context, string) {}

func (s storeRoster) ListByBubble(ctx context.Context, bubbleID string) ([]models.Node, error) {
	return s.nodes.ListByBubble(ctx, bubbleID)
}

func (s storeRoster) Subscribe(string) (<-chan struct{}, func()) {
	return nil, func() {}
}

func storeError(op string, err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
