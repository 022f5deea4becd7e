package handlers

import (
	"context"
	"net/http"
	"time"
)

// NewRouter wires the HTTP handlers. Caller-facing API routes run behind
// authenticate. Health checks and provider callbacks bypass it: the callbacks
// carry a shared secret in the Authorization header, not an identity token.
func NewRouter(deps Dependencies, authenticate func(http.Handler) http.Handler) http.Handler {
	health := HealthHandler{Check: deps.HealthCheck}
	bubble := BubbleHandler{
		Membership: deps.Membership,
		Referrals:  deps.Referrals,
		Limiter:    deps.ReferralLimiter,
		Heartbeat:  deps.StreamHeartbeat,
	}
	photos := PhotoHandler{Membership: deps.Membership, Storage: deps.Photos}
	identity := IdentityHookHandler{Membership: deps.Membership, Secret: deps.IdentityHookSecret}
	billing := BillingHandler{
		Membership:         deps.Membership,
		Secret:             deps.BillingWebhookSecret,
		PremiumEntitlement: deps.PremiumEntitlement,
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/referrals", bubble.Mint)
	api.HandleFunc("/api/v1/bubble", bubble.Roster)
	api.HandleFunc("/api/v1/bubble/join", bubble.Join)
	api.HandleFunc("/api/v1/bubble/leave", bubble.Leave)
	api.HandleFunc("/api/v1/bubble/stream", bubble.Stream)
	api.HandleFunc("/api/v1/nodes/me/status", bubble.Status)
	api.HandleFunc("/api/v1/nodes/me/upgrade", bubble.Upgrade)
	api.HandleFunc("/api/v1/nodes/me/photo", photos.Upload)

	var authed http.Handler = api
	if authenticate != nil {
		authed = authenticate(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/internal/hooks/identity-created", identity.Created)
	mux.HandleFunc("/webhooks/billing", billing.Webhook)
	mux.Handle("/", authed)

	return mux
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Membership      MembershipService
	Referrals       ReferralService
	Photos          PhotoStorage
	ReferralLimiter RateLimiter
	HealthCheck     func(ctx context.Context) error

	IdentityHookSecret   string
	BillingWebhookSecret string
	PremiumEntitlement   string
	StreamHeartbeat      time.Duration
}
