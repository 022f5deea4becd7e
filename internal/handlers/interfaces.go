package handlers

import (
	"context"
	"io"

	"github.com/familybubble/backend/internal/models"
)

// MembershipService captures the node lifecycle operations used by the
// bubble, photo and hook handlers.
type MembershipService interface {
	CreateRootNode(ctx context.Context, userID, displayName, bubbleName string) (models.Node, error)
	UpdateStatus(ctx context.Context, userID, status string) error
	UpgradeToOwner(ctx context.Context, userID string) error
	ApplyBillingTier(ctx context.Context, externalUserID string, premiumActive bool, entitlement string) error
	SetPhoto(ctx context.Context, userID, photoURL string) (models.Node, error)
	Leave(ctx context.Context, userID string) error
	Roster(ctx context.Context, userID string) (models.Roster, error)
	SubscribeRoster(ctx context.Context, userID string) (<-chan models.Roster, error)
}

// ReferralService mints and redeems referral tokens.
type ReferralService interface {
	Mint(ctx context.Context, issuerID, targetID string) (models.MintResult, error)
	Redeem(ctx context.Context, token, redeemerID, displayName string) (models.RedeemResult, error)
}

// PhotoStorage persists uploaded profile photos and returns their location.
type PhotoStorage interface {
	SavePhoto(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}
