package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/familybubble/backend/internal/auth"
	"github.com/familybubble/backend/internal/config"
	"github.com/familybubble/backend/internal/models"
)

func TestServeChainRoutesCallbacksAroundIdentityAuth(t *testing.T) {
	cfg := config.Config{
		StoreDriver: config.StoreMemory,
		Identity:    config.IdentityConfig{HookSecret: "hook-secret", SigningKey: "signing-key", Issuer: "familybubble-test"},
		Billing:     config.BillingConfig{WebhookSecret: "billing-secret", PremiumEntitlement: "premium"},
	}

	stores := memoryStores()
	deps, cleanup, err := buildDependencies(context.Background(), stores, cfg, testLogger())
	if err != nil {
		t.Fatalf("build dependencies: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = cleanup(ctx)
	})

	verifier, err := auth.NewVerifier(auth.VerifierConfig{SigningKey: cfg.Identity.SigningKey, Issuer: cfg.Identity.Issuer})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ownerToken, err := verifier.Issue(auth.Identity{UserID: "owner", DisplayName: "Owner"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	handler := newHandler(deps, verifier, testLogger())

	send := func(method, path, authorization, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send(http.MethodPost, "/internal/hooks/identity-created", "Bearer hook-secret", `{"uid":"owner","displayName":"Owner","bubbleName":"Home"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("identity hook: expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = send(http.MethodPost, "/webhooks/billing", "Bearer billing-secret", `{"event":{"app_user_id":"owner","entitlements":[],"type":"CANCELLATION"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("billing webhook: expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	node, err := stores.nodes.Get(context.Background(), "owner")
	if err != nil {
		t.Fatalf("get owner: %v", err)
	}
	if node.Tier != models.TierStandard {
		t.Fatalf("expected webhook to lower tier, got %d", node.Tier)
	}

	rec = send(http.MethodPost, "/webhooks/billing", "Bearer wrong", `{"event":{"app_user_id":"owner","entitlements":[]}}`)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "unauthorized") {
		t.Fatalf("expected the webhook handler itself to reject a bad secret, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec = send(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected status 200 got %d", rec.Code)
	}

	tests := []struct {
		name          string
		authorization string
		status        int
	}{
		{name: "anonymous", status: http.StatusUnauthorized},
		{name: "shared secret is not an identity", authorization: "Bearer billing-secret", status: http.StatusUnauthorized},
		{name: "identity token", authorization: "Bearer " + ownerToken, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := send(http.MethodGet, "/api/v1/bubble", tt.authorization, "")
			if rec.Code != tt.status {
				t.Fatalf("expected status %d got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var roster models.Roster
			if err := json.NewDecoder(rec.Body).Decode(&roster); err != nil {
				t.Fatalf("decode roster: %v", err)
			}
			if roster.BubbleID != "owner" || roster.BubbleName != "Home" {
				t.Fatalf("unexpected roster %+v", roster)
			}
		})
	}

	if rec = send(http.MethodGet, "/api/v1/unknown", "Bearer "+ownerToken, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected unknown api route to 404, got %d", rec.Code)
	}
}
