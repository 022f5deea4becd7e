package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/familybubble/backend/internal/models"
)

// MemoryStore implements NodeStore and ReferralStore in process memory. A single
// mutex guards both collections so Redeem is atomic across them.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]models.Node
	edges map[string]models.Edge
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory store for tests and local development.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]models.Node),
		edges: make(map[string]models.Edge),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the node owned by ownerID.
func (s *MemoryStore) Get(_ context.Context, ownerID string) (models.Node, error) {
	s.mu.RLock()
	node, ok := s.nodes[ownerID]
	s.mu.RUnlock()
	if !ok {
		return models.Node{}, ErrNotFound
	}
	return cloneNode(node), nil
}

// Set writes the node, replacing any previous node for the same owner.
func (s *MemoryStore) Set(_ context.Context, node models.Node) error {
	s.mu.Lock()
	s.nodes[node.OwnerID] = cloneNode(node)
	s.mu.Unlock()
	return nil
}

// Update mutates a stored node under the store lock.
func (s *MemoryStore) Update(_ context.Context, ownerID string, mutate func(*models.Node) error) (models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[ownerID]
	if !ok {
		return models.Node{}, ErrNotFound
	}

	node = cloneNode(node)
	if err := mutate(&node); err != nil {
		return models.Node{}, err
	}
	node.OwnerID = ownerID

	s.nodes[ownerID] = node
	return cloneNode(node), nil
}

// ListByBubble returns every node in the bubble ordered by creation time.
func (s *MemoryStore) ListByBubble(_ context.Context, bubbleID string) ([]models.Node, error) {
	s.mu.RLock()
	var out []models.Node
	for _, node := range s.nodes {
		if node.BubbleID == bubbleID {
			out = append(out, cloneNode(node))
		}
	}
	s.mu.RUnlock()

	sortNodes(out)
	return out, nil
}

// Delete removes the node owned by ownerID.
func (s *MemoryStore) Delete(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[ownerID]; !ok {
		return ErrNotFound
	}
	delete(s.nodes, ownerID)
	return nil
}

// CreateEdge stores a new edge. Duplicate ids or tokens yield ErrConflict.
func (s *MemoryStore) CreateEdge(_ context.Context, edge models.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.edges[edge.ID]; exists {
		return ErrConflict
	}
	for _, existing := range s.edges {
		if existing.ReferralToken == edge.ReferralToken {
			return ErrConflict
		}
	}

	s.edges[edge.ID] = edge
	return nil
}

// Redeem claims an unaccepted edge and writes the redeemer's node atomically.
func (s *MemoryStore) Redeem(_ context.Context, token, redeemerID string, build RedeemFunc) (models.Edge, models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		edge  models.Edge
		found bool
	)
	for _, candidate := range s.edges {
		if candidate.ReferralToken == token && !candidate.Accepted {
			edge = candidate
			found = true
			break
		}
	}
	if !found {
		return models.Edge{}, models.Node{}, ErrNotFound
	}

	node, err := build(edge)
	if err != nil {
		return models.Edge{}, models.Node{}, err
	}

	acceptedAt := s.now()
	edge.Accepted = true
	edge.ToNode = redeemerID
	edge.AcceptedAt = &acceptedAt

	s.edges[edge.ID] = edge
	s.nodes[node.OwnerID] = cloneNode(node)

	return edge, cloneNode(node), nil
}

// Edge returns a stored edge by id. Useful for tests.
func (s *MemoryStore) Edge(id string) (models.Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[id]
	return edge, ok
}

// NodeCount reports how many nodes are stored. Useful for tests.
func (s *MemoryStore) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func cloneNode(node models.Node) models.Node {
	if node.Entitlement != nil {
		entitlement := *node.Entitlement
		node.Entitlement = &entitlement
	}
	return node
}

func sortNodes(nodes []models.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].OwnerID < nodes[j].OwnerID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
}

var _ NodeStore = (*MemoryStore)(nil)
var _ ReferralStore = (*MemoryStore)(nil)
