package repositories

import (
	"context"

	"github.com/familybubble/backend/internal/models"
)

// RedeemFunc builds the redeemer's node from the claimed edge. Returning an
// error abandons the redemption and leaves the edge unaccepted.
type RedeemFunc func(edge models.Edge) (models.Node, error)

// ReferralStore defines storage for referral edges.
type ReferralStore interface {
	CreateEdge(ctx context.Context, edge models.Edge) error
	// Redeem claims the unaccepted edge carrying token, writes the node built
	// by build and marks the edge accepted by redeemerID, all in one
	// transaction. ErrNotFound is returned when no unaccepted edge matches.
	Redeem(ctx context.Context, token, redeemerID string, build RedeemFunc) (models.Edge, models.Node, error)
}
