package bubble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/familybubble/backend/internal/logging"
	"github.com/familybubble/backend/internal/models"
	"github.com/familybubble/backend/internal/repositories"
)

// MembershipEngine owns node lifecycle: root creation, status and tier
// mutation, leaving, and roster reads. Every mutation targets the node of the
// caller passed in, never an id taken from a request payload.
type MembershipEngine struct {
	nodes repositories.NodeStore
	hub   RosterHub
	now   func() time.Time
}

// NewMembershipEngine constructs the engine. A nil hub reads rosters straight
// from the store and disables live updates.
func NewMembershipEngine(nodes repositories.NodeStore, hub RosterHub, opts ...Option) *MembershipEngine {
	o := applyOptions(opts)
	if hub == nil {
		hub = storeRoster{nodes: nodes}
	}
	return &MembershipEngine{nodes: nodes, hub: hub, now: o.now}
}

// CreateRootNode creates the bubble owned by userID. Calling it again for the
// same user overwrites the node rather than adding a second one. An empty
// bubbleName falls back to models.DefaultBubbleName.
func (e *MembershipEngine) CreateRootNode(ctx context.Context, userID, displayName, bubbleName string) (models.Node, error) {
	ctx, span := logging.StartSpan(ctx, "membership.create_root_node")
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Node{}, fmt.Errorf("create root node: %w: user id is required", ErrInvalidArgument)
	}

	var previousBubble string
	if previous, err := e.nodes.Get(ctx, userID); err == nil {
		previousBubble = previous.BubbleID
	}

	displayName = strings.TrimSpace(displayName)
	bubbleName = strings.TrimSpace(bubbleName)
	if bubbleName == "" {
		bubbleName = models.DefaultBubbleName(displayName)
	}

	now := e.now()
	node := models.Node{
		OwnerID:     userID,
		BubbleID:    userID,
		Name:        displayName,
		BubbleName:  bubbleName,
		Status:      models.StatusSafe,
		Type:        models.NodeTypeActive,
		Tier:        models.TierOwner,
		CreatedAt:   now,
		LastUpdated: now,
	}

	if err := e.nodes.Set(ctx, node); err != nil {
		return models.Node{}, storeError("create root node", err)
	}

	e.hub.Changed(ctx, node.BubbleID)
	if previousBubble != "" && previousBubble != node.BubbleID {
		e.hub.Changed(ctx, previousBubble)
	}

	logging.FromContext(ctx).Info("root node created", "userId", userID)
	return node, nil
}

// UpdateStatus sets the caller's status. Status names are case-sensitive.
func (e *MembershipEngine) UpdateStatus(ctx context.Context, userID, status string) error {
	ctx, span := logging.StartSpan(ctx, "membership.update_status")
	defer span.End()

	if userID == "" {
		return ErrUnauthenticated
	}

	parsed, ok := models.ParseStatus(status)
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}

	_, err := e.mutate(ctx, "update status", userID, func(node *models.Node) error {
		node.Status = parsed
		return nil
	})
	return err
}

// UpgradeToOwner promotes the caller to an Active, tier 1 node. No payment
// check happens here.
func (e *MembershipEngine) UpgradeToOwner(ctx context.Context, userID string) error {
	ctx, span := logging.StartSpan(ctx, "membership.upgrade_to_owner")
	defer span.End()

	if userID == "" {
		return ErrUnauthenticated
	}

	_, err := e.mutate(ctx, "upgrade to owner", userID, func(node *models.Node) error {
		node.Type = models.NodeTypeActive
		node.Tier = models.TierOwner
		return nil
	})
	return err
}

// ApplyBillingTier records a billing state change for an existing node. It
// never creates nodes: an unknown user yields ErrNotFound.
func (e *MembershipEngine) ApplyBillingTier(ctx context.Context, externalUserID string, premiumActive bool, entitlement string) error {
	ctx, span := logging.StartSpan(ctx, "membership.apply_billing_tier")
	defer span.End()

	externalUserID = strings.TrimSpace(externalUserID)
	if externalUserID == "" {
		return fmt.Errorf("apply billing tier: %w: user id is required", ErrInvalidArgument)
	}

	tier := models.TierStandard
	if premiumActive {
		tier = models.TierOwner
	}

	var stored *string
	if entitlement = strings.TrimSpace(entitlement); entitlement != "" {
		stored = &entitlement
	}

	_, err := e.mutate(ctx, "apply billing tier", externalUserID, func(node *models.Node) error {
		node.Tier = tier
		node.Entitlement = stored
		return nil
	})
	if err != nil {
		return err
	}

	logging.FromContext(ctx).Info("billing tier applied", "userId", externalUserID, "tier", tier, "premiumActive", premiumActive)
	return nil
}

// SetPhoto stores the location of the caller's profile photo.
func (e *MembershipEngine) SetPhoto(ctx context.Context, userID, photoURL string) (models.Node, error) {
	ctx, span := logging.StartSpan(ctx, "membership.set_photo")
	defer span.End()

	if userID == "" {
		return models.Node{}, ErrUnauthenticated
	}

	return e.mutate(ctx, "set photo", userID, func(node *models.Node) error {
		node.PhotoURL = photoURL
		return nil
	})
}

// Leave deletes the caller's node, removing them from their bubble.
func (e *MembershipEngine) Leave(ctx context.Context, userID string) error {
	ctx, span := logging.StartSpan(ctx, "membership.leave")
	defer span.End()

	if userID == "" {
		return ErrUnauthenticated
	}

	node, err := e.nodes.Get(ctx, userID)
	if err != nil {
		return storeError("leave bubble", err)
	}

	if err := e.nodes.Delete(ctx, userID); err != nil {
		return storeError("leave bubble", err)
	}

	e.hub.Changed(ctx, node.BubbleID)
	logging.FromContext(ctx).Info("left bubble", "userId", userID, "bubbleId", node.BubbleID)
	return nil
}

// Roster returns the caller's node and every member of the caller's bubble.
func (e *MembershipEngine) Roster(ctx context.Context, userID string) (models.Roster, error) {
	if userID == "" {
		return models.Roster{}, ErrUnauthenticated
	}

	self, err := e.nodes.Get(ctx, userID)
	if err != nil {
		return models.Roster{}, storeError("load roster", err)
	}

	return e.rosterFor(ctx, self)
}

// SubscribeRoster emits the caller's current roster and then a fresh roster
// after every change to their bubble. The channel closes when ctx is done or
// the caller no longer has a node.
func (e *MembershipEngine) SubscribeRoster(ctx context.Context, userID string) (<-chan models.Roster, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	self, err := e.nodes.Get(ctx, userID)
	if err != nil {
		return nil, storeError("subscribe roster", err)
	}

	bubbleID := self.BubbleID
	signals, release := e.hub.Subscribe(bubbleID)

	initial, err := e.rosterFor(ctx, self)
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan models.Roster, 1)
	go func() {
		defer close(out)
		defer func() { release() }()

		logger := logging.FromContext(ctx)
		pending := &initial

		for {
			if pending != nil {
				select {
				case <-ctx.Done():
					return
				case out <- *pending:
					pending = nil
				}
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
			}

			next, err := e.Roster(ctx, userID)
			if err != nil {
				if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
					return
				}
				logger.Warn("refresh roster failed", "userId", userID, "error", err)
				continue
			}

			// The caller may have joined another bubble since subscribing.
			if next.BubbleID != bubbleID {
				release()
				bubbleID = next.BubbleID
				signals, release = e.hub.Subscribe(bubbleID)
			}

			pending = &next
		}
	}()

	return out, nil
}

func (e *MembershipEngine) rosterFor(ctx context.Context, self models.Node) (models.Roster, error) {
	nodes, err := e.hub.ListByBubble(ctx, self.BubbleID)
	if err != nil {
		return models.Roster{}, storeError("list bubble members", err)
	}

	members := make([]models.Member, 0, len(nodes)+1)
	seenSelf := false
	var bubbleName string
	for _, node := range nodes {
		if node.OwnerID == self.OwnerID {
			// Listings may be cached; the directly loaded node is authoritative.
			node = self
			seenSelf = true
		}
		if node.OwnerID == self.BubbleID {
			bubbleName = node.BubbleName
		}
		members = append(members, models.Member{Node: node, IsMe: node.OwnerID == self.OwnerID})
	}
	if !seenSelf {
		members = append(members, models.Member{Node: self, IsMe: true})
		if self.OwnerID == self.BubbleID {
			bubbleName = self.BubbleName
		}
	}

	return models.Roster{BubbleID: self.BubbleID, BubbleName: bubbleName, Self: self, Members: members}, nil
}

func (e *MembershipEngine) mutate(ctx context.Context, op, userID string, apply func(*models.Node) error) (models.Node, error) {
	node, err := e.nodes.Update(ctx, userID, func(node *models.Node) error {
		if err := apply(node); err != nil {
			return err
		}
		node.LastUpdated = e.now()
		return nil
	})
	if err != nil {
		return models.Node{}, storeError(op, err)
	}

	e.hub.Changed(ctx, node.BubbleID)
	return node, nil
}
