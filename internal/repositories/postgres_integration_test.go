//go:build integration

package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/familybubble/backend/internal/models"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresNodeStore_SetGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresNodeStore(testPool)

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing node, got %v", err)
	}

	node := testNode("owner-1", "owner-1", time.Now().UTC().Add(-time.Hour))
	if err := store.Set(ctx, node); err != nil {
		t.Fatalf("set node: %v", err)
	}

	node.Name = "Renamed"
	if err := store.Set(ctx, node); err != nil {
		t.Fatalf("overwrite node: %v", err)
	}

	fetched, err := store.Get(ctx, node.OwnerID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if fetched.Name != "Renamed" || fetched.Tier != models.TierOwner || fetched.Type != models.NodeTypeActive {
		t.Fatalf("unexpected node fetched: %+v", fetched)
	}
	if fetched.Entitlement != nil {
		t.Fatalf("expected nil entitlement, got %q", *fetched.Entitlement)
	}

	entitlement := "premium"
	updated, err := store.Update(ctx, node.OwnerID, func(n *models.Node) error {
		n.Status = models.StatusHelp
		n.Entitlement = &entitlement
		n.LastUpdated = time.Now().UTC()
		return nil
	})
	if err != nil {
		t.Fatalf("update node: %v", err)
	}
	if updated.Status != models.StatusHelp {
		t.Fatalf("expected status Help, got %s", updated.Status)
	}

	fetched, err = store.Get(ctx, node.OwnerID)
	if err != nil {
		t.Fatalf("get updated node: %v", err)
	}
	if fetched.Status != models.StatusHelp || fetched.Entitlement == nil || *fetched.Entitlement != entitlement {
		t.Fatalf("expected update to persist, got %+v", fetched)
	}

	boom := errors.New("rejected")
	if _, err := store.Update(ctx, node.OwnerID, func(*models.Node) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error to surface, got %v", err)
	}

	if _, err := store.Update(ctx, "missing", func(*models.Node) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating missing node, got %v", err)
	}

	if err := store.Delete(ctx, node.OwnerID); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	if err := store.Delete(ctx, node.OwnerID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestPostgresNodeStore_ListByBubble(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresNodeStore(testPool)
	base := time.Now().UTC().Add(-time.Hour)

	for _, node := range []models.Node{
		testNode("member-b", "root", base.Add(2*time.Minute)),
		testNode("root", "root", base),
		testNode("member-a", "root", base.Add(time.Minute)),
		testNode("outsider", "other", base),
	} {
		if err := store.Set(ctx, node); err != nil {
			t.Fatalf("set node %s: %v", node.OwnerID, err)
		}
	}

	nodes, err := store.ListByBubble(ctx, "root")
	if err != nil {
		t.Fatalf("list bubble: %v", err)
	}

	var got []string
	for _, node := range nodes {
		got = append(got, node.OwnerID)
	}
	want := []string{"root", "member-a", "member-b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected members %v, got %v", want, got)
	}
}

func TestPostgresReferralStore_CreateAndRedeem(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	nodes := NewPostgresNodeStore(testPool)
	referrals := NewPostgresReferralStore(testPool)

	edge := testEdge("owner-1", "TOKEN-ONE")
	if err := referrals.CreateEdge(ctx, edge); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	dup := testEdge("owner-1", "TOKEN-ONE")
	if err := referrals.CreateEdge(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate token, got %v", err)
	}

	boom := errors.New("refused")
	if _, _, err := referrals.Redeem(ctx, edge.ReferralToken, "redeemer", func(models.Edge) (models.Node, error) {
		return models.Node{}, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}

	claimed, node, err := referrals.Redeem(ctx, edge.ReferralToken, "redeemer", buildPassive("redeemer"))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !claimed.Accepted || claimed.ToNode != "redeemer" || claimed.AcceptedAt == nil {
		t.Fatalf("expected accepted edge, got %+v", claimed)
	}
	if node.BubbleID != edge.BubbleID || node.Tier != models.TierStandard {
		t.Fatalf("unexpected node built: %+v", node)
	}

	stored, err := nodes.Get(ctx, "redeemer")
	if err != nil {
		t.Fatalf("get redeemed node: %v", err)
	}
	if stored.Type != models.NodeTypePassive || stored.BubbleID != edge.BubbleID {
		t.Fatalf("unexpected stored node: %+v", stored)
	}

	if _, _, err := referrals.Redeem(ctx, edge.ReferralToken, "second", buildPassive("second")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on reuse, got %v", err)
	}

	if _, _, err := referrals.Redeem(ctx, "NOPE", "third", buildPassive("third")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown token, got %v", err)
	}
}

func TestPostgresReferralStore_ConcurrentRedeemSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	referrals := NewPostgresReferralStore(testPool)
	edge := testEdge("owner-1", "TOKEN-RACE")
	if err := referrals.CreateEdge(ctx, edge); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	const redeemers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)

	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _, err := referrals.Redeem(ctx, edge.ReferralToken, id, buildPassive(id))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(fmt.Sprintf("racer-%d", i))
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", successes)
	}

	nodes, err := NewPostgresNodeStore(testPool).ListByBubble(ctx, edge.BubbleID)
	if err != nil {
		t.Fatalf("list bubble: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node created, got %d", len(nodes))
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir := filepath.Join("..", "..", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := testPool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "TRUNCATE TABLE edges, nodes CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func testNode(ownerID, bubbleID string, createdAt time.Time) models.Node {
	tier, nodeType := models.TierStandard, models.NodeTypePassive
	if ownerID == bubbleID {
		tier, nodeType = models.TierOwner, models.NodeTypeActive
	}
	return models.Node{
		OwnerID:     ownerID,
		BubbleID:    bubbleID,
		Name:        ownerID,
		Status:      models.StatusSafe,
		Type:        nodeType,
		Tier:        tier,
		CreatedAt:   createdAt.Truncate(time.Microsecond),
		LastUpdated: createdAt.Truncate(time.Microsecond),
	}
}

func testEdge(issuer, token string) models.Edge {
	return models.Edge{
		ID:            uuid.NewString(),
		FromNode:      issuer,
		BubbleID:      issuer,
		ReferralToken: token,
		Tier:          models.TierStandard,
		CreatedAt:     time.Now().UTC(),
	}
}

func buildPassive(ownerID string) RedeemFunc {
	return func(edge models.Edge) (models.Node, error) {
		now := time.Now().UTC()
		return models.Node{
			OwnerID:     ownerID,
			BubbleID:    edge.BubbleID,
			Name:        ownerID,
			Status:      models.StatusSafe,
			Type:        models.NodeTypePassive,
			Tier:        edge.Tier,
			CreatedAt:   now,
			LastUpdated: now,
		}, nil
	}
}

func TestPostgresStores_WritesSucceedWithChangeNotifications(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	nodes := NewPostgresNodeStore(testPool, WithChangeNotifications(true))
	referrals := NewPostgresReferralStore(testPool, WithChangeNotifications(true))

	root := testNode("owner-1", "owner-1", time.Now().UTC())
	root.BubbleName = "Home"
	if err := nodes.Set(ctx, root); err != nil {
		t.Fatalf("set: %v", err)
	}

	updated, err := nodes.Update(ctx, "owner-1", func(n *models.Node) error {
		n.Status = models.StatusHelp
		return nil
	})
	if err != nil {
		t.Fatalf("update with notifications: %v", err)
	}
	if updated.Status != models.StatusHelp || updated.BubbleName != "Home" {
		t.Fatalf("unexpected updated node %+v", updated)
	}

	edge := testEdge("owner-1", "TOKEN-NOTIFY")
	if err := referrals.CreateEdge(ctx, edge); err != nil {
		t.Fatalf("create edge: %v", err)
	}
	if _, _, err := referrals.Redeem(ctx, edge.ReferralToken, "member-1", buildPassive("member-1")); err != nil {
		t.Fatalf("redeem with notifications: %v", err)
	}

	stored, err := nodes.Get(ctx, "owner-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusHelp || stored.BubbleName != "Home" {
		t.Fatalf("expected committed update, got %+v", stored)
	}
	if _, err := nodes.Get(ctx, "member-1"); err != nil {
		t.Fatalf("expected committed redemption, got %v", err)
	}
}
