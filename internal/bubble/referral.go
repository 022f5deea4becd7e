package bubble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/familybubble/backend/internal/logging"
	"github.com/familybubble/backend/internal/models"
	"github.com/familybubble/backend/internal/repositories"
)

// mintAttempts bounds token regeneration after a uniqueness conflict.
const mintAttempts = 3

// ReferralEngine mints single-use referral tokens and redeems them.
type ReferralEngine struct {
	edges    repositories.ReferralStore
	nodes    repositories.NodeStore
	notifier ChangeNotifier
	now      func() time.Time
	newToken func() (string, error)
}

// NewReferralEngine constructs the engine. notifier may be nil.
func NewReferralEngine(edges repositories.ReferralStore, nodes repositories.NodeStore, notifier ChangeNotifier, opts ...Option) *ReferralEngine {
	o := applyOptions(opts)
	if notifier == nil {
		notifier = storeRoster{}
	}
	return &ReferralEngine{
		edges:    edges,
		nodes:    nodes,
		notifier: notifier,
		now:      o.now,
		newToken: o.newToken,
	}
}

// Mint stores a new unaccepted edge from issuerID and returns its token. A
// non-empty targetID restricts redemption to that user. Whoever redeems the
// edge joins as tier 2.
func (e *ReferralEngine) Mint(ctx context.Context, issuerID, targetID string) (models.MintResult, error) {
	ctx, span := logging.StartSpan(ctx, "referral.mint")
	defer span.End()

	if issuerID == "" {
		return models.MintResult{}, ErrUnauthenticated
	}

	targetID = strings.TrimSpace(targetID)
	if targetID == issuerID {
		return models.MintResult{}, fmt.Errorf("mint referral: %w: cannot refer yourself", ErrInvalidArgument)
	}

	bubbleID := issuerID
	issuer, err := e.nodes.Get(ctx, issuerID)
	switch {
	case err == nil:
		bubbleID = issuer.BubbleID
	case !errors.Is(err, repositories.ErrNotFound):
		return models.MintResult{}, fmt.Errorf("mint referral: load issuer: %w", err)
	}

	for attempt := 0; attempt < mintAttempts; attempt++ {
		token, err := e.newToken()
		if err != nil {
			return models.MintResult{}, fmt.Errorf("mint referral: %w", err)
		}

		edge := models.Edge{
			ID:            uuid.NewString(),
			FromNode:      issuerID,
			ToNode:        targetID,
			BubbleID:      bubbleID,
			ReferralToken: token,
			Tier:          models.TierStandard,
			CreatedAt:     e.now(),
		}

		if err := e.edges.CreateEdge(ctx, edge); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				logging.FromContext(ctx).Warn("referral token collision", "attempt", attempt+1)
				continue
			}
			return models.MintResult{}, fmt.Errorf("mint referral: %w", err)
		}

		logging.FromContext(ctx).Info("referral minted", "userId", issuerID, "edgeId", edge.ID, "bubbleId", bubbleID)
		return models.MintResult{ReferralToken: token, EdgeID: edge.ID}, nil
	}

	err = fmt.Errorf("mint referral: %w: no unique token after %d attempts", repositories.ErrConflict, mintAttempts)
	span.Fail(err)
	return models.MintResult{}, err
}

// Redeem spends token on behalf of redeemerID, writing a Passive node in the
// edge's bubble. Exactly one redeemer of a token can succeed; every later or
// concurrent attempt gets ErrInvalidToken.
func (e *ReferralEngine) Redeem(ctx context.Context, token, redeemerID, displayName string) (models.RedeemResult, error) {
	ctx, span := logging.StartSpan(ctx, "referral.redeem")
	defer span.End()

	if redeemerID == "" {
		return models.RedeemResult{}, ErrUnauthenticated
	}

	token = NormalizeReferralToken(token)
	if token == "" {
		return models.RedeemResult{}, ErrInvalidToken
	}

	displayName = strings.TrimSpace(displayName)

	var previousBubble string
	if previous, err := e.nodes.Get(ctx, redeemerID); err == nil {
		previousBubble = previous.BubbleID
		if displayName == "" {
			displayName = previous.Name
		}
	}

	build := func(edge models.Edge) (models.Node, error) {
		if edge.FromNode == redeemerID || edge.BubbleID == redeemerID {
			return models.Node{}, fmt.Errorf("%w: cannot redeem a referral into your own bubble", ErrInvalidArgument)
		}
		if edge.ToNode != "" && edge.ToNode != redeemerID {
			return models.Node{}, ErrInvalidToken
		}

		now := e.now()
		return models.Node{
			OwnerID:     redeemerID,
			BubbleID:    edge.BubbleID,
			Name:        displayName,
			Status:      models.StatusSafe,
			Type:        models.NodeTypePassive,
			Tier:        edge.Tier,
			CreatedAt:   now,
			LastUpdated: now,
		}, nil
	}

	edge, _, err := e.edges.Redeem(ctx, token, redeemerID, build)
	if err != nil {
		span.Fail(err)
		if errors.Is(err, repositories.ErrNotFound) {
			return models.RedeemResult{}, ErrInvalidToken
		}
		if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) {
			return models.RedeemResult{}, err
		}
		return models.RedeemResult{}, fmt.Errorf("redeem referral: %w", err)
	}

	e.notifier.Changed(ctx, edge.BubbleID)
	if previousBubble != "" && previousBubble != edge.BubbleID {
		e.notifier.Changed(ctx, previousBubble)
	}

	logging.FromContext(ctx).Info("referral redeemed", "userId", redeemerID, "edgeId", edge.ID, "bubbleId", edge.BubbleID)
	return models.RedeemResult{BubbleID: edge.BubbleID, NodeCreated: true}, nil
}
