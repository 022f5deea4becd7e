package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/familybubble/backend/internal/auth"
	"github.com/familybubble/backend/internal/config"
	"github.com/familybubble/backend/internal/handlers"
	"github.com/familybubble/backend/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildDependencies(t *testing.T) {
	cfg := config.Config{
		StoreDriver: config.StoreMemory,
		ObjectStore: config.ObjectStoreConfig{Bucket: "test-bucket", Endpoint: "http://localhost:9000", Region: "us-east-1", UsePathStyle: true},
		Identity:    config.IdentityConfig{HookSecret: "hook"},
		Billing:     config.BillingConfig{WebhookSecret: "billing", PremiumEntitlement: "premium"},
	}

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	deps, cleanup, err := buildDependencies(context.Background(), memoryStores(), cfg, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected cleanup function")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := cleanup(ctx); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}()

	if deps.Membership == nil {
		t.Fatal("expected membership engine to be configured")
	}
	if deps.Referrals == nil {
		t.Fatal("expected referral engine to be configured")
	}
	if deps.ReferralLimiter == nil {
		t.Fatal("expected referral rate limiter to be configured")
	}
	if deps.Photos == nil {
		t.Fatal("expected photo storage to be configured")
	}
	if deps.IdentityHookSecret != "hook" || deps.BillingWebhookSecret != "billing" || deps.PremiumEntitlement != "premium" {
		t.Fatalf("expected secrets to be passed through got %+v", deps)
	}

	ctx := context.Background()
	if _, err := deps.Membership.CreateRootNode(ctx, "owner", "Owner", ""); err != nil {
		t.Fatalf("create root node: %v", err)
	}
	minted, err := deps.Referrals.Mint(ctx, "owner", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := deps.Referrals.Redeem(ctx, minted.ReferralToken, "kid", "Kid"); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	roster, err := deps.Membership.Roster(ctx, "kid")
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster.Members) != 2 {
		t.Fatalf("expected engines to share one store, got %d members", len(roster.Members))
	}
}

func TestBuildDependenciesWithoutBucket(t *testing.T) {
	deps, cleanup, err := buildDependencies(context.Background(), memoryStores(), config.Config{}, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = cleanup(ctx)
	}()

	if deps.Photos != nil {
		t.Fatal("expected photo uploads to be disabled without a bucket")
	}
	if deps.HealthCheck != nil {
		t.Fatal("expected no health probe for the memory store")
	}
}

func TestRosterCacheTTL(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		listen bool
		want   time.Duration
	}{
		{name: "memory store keeps cache", driver: config.StoreMemory, want: 30 * time.Second},
		{name: "postgres with listen keeps cache", driver: config.StorePostgres, listen: true, want: 30 * time.Second},
		{name: "postgres without listen reads through", driver: config.StorePostgres, want: 0},
		{name: "mongo reads through", driver: config.StoreMongo, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rosterCacheTTL(tt.driver, tt.listen, 30*time.Second, testLogger()); got != tt.want {
				t.Fatalf("expected ttl %v got %v", tt.want, got)
			}
		})
	}
}

func TestReplicasSeeEachOthersWritesWithoutListen(t *testing.T) {
	shared := memoryStores()
	shared.driver = config.StorePostgres

	cfg := config.Config{StoreDriver: config.StorePostgres}
	cfg.Roster.CacheTTL = time.Hour

	replica := func() handlers.Dependencies {
		deps, cleanup, err := buildDependencies(context.Background(), shared, cfg, testLogger())
		if err != nil {
			t.Fatalf("build dependencies: %v", err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = cleanup(ctx)
		})
		return deps
	}
	a, b := replica(), replica()
	ctx := context.Background()

	if _, err := a.Membership.CreateRootNode(ctx, "owner", "Owner", ""); err != nil {
		t.Fatalf("create root node: %v", err)
	}
	minted, err := a.Referrals.Mint(ctx, "owner", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := a.Referrals.Redeem(ctx, minted.ReferralToken, "kid", "Kid"); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if _, err := b.Membership.Roster(ctx, "kid"); err != nil {
		t.Fatalf("warm roster on b: %v", err)
	}

	if err := a.Membership.UpdateStatus(ctx, "owner", string(models.StatusHelp)); err != nil {
		t.Fatalf("update status on a: %v", err)
	}

	roster, err := b.Membership.Roster(ctx, "kid")
	if err != nil {
		t.Fatalf("roster on b: %v", err)
	}
	var owner *models.Member
	for i := range roster.Members {
		if roster.Members[i].OwnerID == "owner" {
			owner = &roster.Members[i]
		}
	}
	if owner == nil || owner.Status != models.StatusHelp {
		t.Fatalf("expected replica b to see owner in Help, got %+v", roster.Members)
	}
}

func TestRunCommands(t *testing.T) {
	t.Setenv("BUBBLE_STORE", config.StoreMemory)
	t.Setenv("BUBBLE_IDENTITY_SIGNING_KEY", "dev-signing-key")
	t.Setenv("BUBBLE_IDENTITY_ISSUER", "familybubble-dev")

	ctx := context.Background()

	if err := run(ctx, nil, io.Discard); err == nil {
		t.Fatal("expected error without a command")
	}
	if err := run(ctx, []string{"explode"}, io.Discard); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error got %v", err)
	}
	if err := run(ctx, []string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "serve"}, io.Discard); err == nil {
		t.Fatal("expected explicit missing env file to fail")
	}
	if err := run(ctx, []string{"migrate"}, io.Discard); err == nil {
		t.Fatal("expected migrate to refuse the memory store")
	}
	if err := run(ctx, []string{"dev-token"}, io.Discard); err == nil {
		t.Fatal("expected dev-token without a user id to fail")
	}

	var out bytes.Buffer
	if err := run(ctx, []string{"dev-token", "owner", "--name", "Owner", "--ttl", "1h"}, &out); err != nil {
		t.Fatalf("dev-token: %v", err)
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{SigningKey: "dev-signing-key", Issuer: "familybubble-dev"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	identity, err := verifier.Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify dev token: %v", err)
	}
	if identity.UserID != "owner" || identity.DisplayName != "Owner" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}
