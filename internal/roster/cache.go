package roster

import (
	"context"
	"sync"
	"time"

	"github.com/familybubble/backend/internal/models"
)

// Lister returns the nodes that belong to a bubble.
type Lister interface {
	ListByBubble(ctx context.Context, bubbleID string) ([]models.Node, error)
}

type cacheEntry struct {
	nodes   []models.Node
	expires time.Time
}

// CachingLister wraps another Lister with a TTL-based in-memory cache that can
// be invalidated per bubble. A non-positive TTL disables caching and every
// read goes to the underlying lister.
type CachingLister struct {
	base Lister
	ttl  time.Duration
	now  func() time.Time

	mu        sync.RWMutex
	items     map[string]cacheEntry
	lastSweep time.Time
	// gens counts invalidations that race an in-flight fetch so its stale
	// result is not cached. Entries live only while a fetch is in flight.
	gens     map[string]uint64
	inflight map[string]int
}

// NewCachingLister returns a Lister that caches bubble listings for ttl.
func NewCachingLister(base Lister, ttl time.Duration) *CachingLister {
	return &CachingLister{
		base:     base,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]cacheEntry),
		gens:     make(map[string]uint64),
		inflight: make(map[string]int),
	}
}

// ListByBubble returns a cached listing when fresh, otherwise it delegates to
// the underlying lister and stores the result.
func (c *CachingLister) ListByBubble(ctx context.Context, bubbleID string) ([]models.Node, error) {
	if c == nil || c.base == nil {
		return nil, ErrListerUnavailable
	}
	if c.ttl <= 0 {
		return c.base.ListByBubble(ctx, bubbleID)
	}

	now := c.now()

	c.mu.RLock()
	entry, ok := c.items[bubbleID]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return copyNodes(entry.nodes), nil
	}

	c.mu.Lock()
	c.inflight[bubbleID]++
	gen := c.gens[bubbleID]
	c.mu.Unlock()

	nodes, err := c.base.ListByBubble(ctx, bubbleID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil && c.gens[bubbleID] == gen {
		c.items[bubbleID] = cacheEntry{nodes: copyNodes(nodes), expires: now.Add(c.ttl)}
	}
	c.inflight[bubbleID]--
	if c.inflight[bubbleID] <= 0 {
		delete(c.inflight, bubbleID)
		delete(c.gens, bubbleID)
	}
	if now.Sub(c.lastSweep) > c.ttl {
		c.sweepLocked(now)
		c.lastSweep = now
	}

	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Invalidate drops the cached listing for bubbleID.
func (c *CachingLister) Invalidate(bubbleID string) {
	c.mu.Lock()
	delete(c.items, bubbleID)
	if c.inflight[bubbleID] > 0 {
		c.gens[bubbleID]++
	}
	c.mu.Unlock()
}

func (c *CachingLister) sweepLocked(now time.Time) {
	for bubbleID, entry := range c.items {
		if !now.Before(entry.expires) {
			delete(c.items, bubbleID)
		}
	}
}

func copyNodes(nodes []models.Node) []models.Node {
	if nodes == nil {
		return nil
	}
	out := make([]models.Node, len(nodes))
	copy(out, nodes)
	return out
}
