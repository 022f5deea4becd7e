package models

import "time"

// Status is the personal state a member broadcasts to the rest of their bubble.
type Status string

const (
	StatusSafe    Status = "Safe"
	StatusBusy    Status = "Busy"
	StatusOffline Status = "Offline"
	StatusHelp    Status = "Help"
)

// ParseStatus returns the Status matching value exactly. Matching is case-sensitive.
func ParseStatus(value string) (Status, bool) {
	switch s := Status(value); s {
	case StatusSafe, StatusBusy, StatusOffline, StatusHelp:
		return s, true
	default:
		return "", false
	}
}

// NodeType distinguishes bubble owners from members who joined by referral.
type NodeType string

const (
	NodeTypeActive  NodeType = "Active"
	NodeTypePassive NodeType = "Passive"
)

const (
	// TierOwner is assigned to bubble owners and premium subscribers.
	TierOwner = 1
	// TierStandard is assigned to everyone joining through a referral.
	TierStandard = 2
)

// Node is a user's membership record. There is at most one node per owner id.
type Node struct {
	OwnerID     string    `json:"ownerId"`
	BubbleID    string    `json:"bubbleId"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Type        NodeType  `json:"type"`
	Tier        int       `json:"tier"`
	Entitlement *string   `json:"entitlement"`
	PhotoURL    string    `json:"photoUrl,omitempty"`
	// BubbleName is only set on a bubble's root node.
	BubbleName  string    `json:"bubbleName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Edge is a referral issued by one node and redeemed at most once by another.
type Edge struct {
	ID            string     `json:"id"`
	FromNode      string     `json:"fromNode"`
	ToNode        string     `json:"toNode,omitempty"`
	BubbleID      string     `json:"bubbleId"`
	ReferralToken string     `json:"referralToken"`
	Accepted      bool       `json:"accepted"`
	Tier          int        `json:"tier"`
	CreatedAt     time.Time  `json:"createdAt"`
	AcceptedAt    *time.Time `json:"acceptedAt,omitempty"`
}

// DefaultBubbleName is the name a bubble gets when its owner picks none.
func DefaultBubbleName(ownerName string) string {
	if ownerName == "" {
		return "My Bubble"
	}
	return ownerName + "'s Bubble"
}

// Member is a roster entry as seen by a particular viewer.
type Member struct {
	Node
	IsMe bool `json:"isMe"`
}

// Roster groups the caller's own node with every node in the same bubble.
type Roster struct {
	BubbleID   string   `json:"bubbleId"`
	BubbleName string   `json:"bubbleName"`
	Self       Node     `json:"self"`
	Members    []Member `json:"members"`
}

// MintResult is returned to the issuer of a new referral.
type MintResult struct {
	ReferralToken string `json:"referralToken"`
	EdgeID        string `json:"edgeId"`
}

// RedeemResult reports the bubble a redeemer joined.
type RedeemResult struct {
	BubbleID    string `json:"bubbleId"`
	NodeCreated bool   `json:"nodeCreated"`
}
