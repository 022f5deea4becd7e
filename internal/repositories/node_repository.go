package repositories

import (
	"context"

	"github.com/familybubble/backend/internal/models"
)

// NodeStore defines durable storage for membership nodes keyed by owner id.
type NodeStore interface {
	Get(ctx context.Context, ownerID string) (models.Node, error)
	// Set writes the node, replacing any existing node with the same owner id.
	Set(ctx context.Context, node models.Node) error
	// Update applies mutate to the stored node as one atomic read-modify-write.
	// An error returned by mutate aborts the write and is returned unchanged.
	Update(ctx context.Context, ownerID string, mutate func(*models.Node) error) (models.Node, error)
	ListByBubble(ctx context.Context, bubbleID string) ([]models.Node, error)
	Delete(ctx context.Context, ownerID string) error
}
