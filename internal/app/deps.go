package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/familybubble/backend/internal/bubble"
	"github.com/familybubble/backend/internal/config"
	"github.com/familybubble/backend/internal/handlers"
	"github.com/familybubble/backend/internal/middleware"
	"github.com/familybubble/backend/internal/repositories"
	"github.com/familybubble/backend/internal/roster"
	"github.com/familybubble/backend/internal/storage"
)

// buildDependencies wires together concrete implementations used by the HTTP
// handlers. The returned cleanup stops background workers; it does not close
// the stores.
func buildDependencies(ctx context.Context, stores backingStores, cfg config.Config, logger *slog.Logger) (handlers.Dependencies, func(context.Context) error, error) {
	listen := stores.pool != nil && cfg.PostgresListen

	hub := roster.NewHub(stores.nodes, roster.Config{
		QueueSize: cfg.Roster.QueueSize,
		Workers:   cfg.Roster.Workers,
		CacheTTL:  rosterCacheTTL(stores.driver, listen, cfg.Roster.CacheTTL, logger),
	}, logger)

	deps := handlers.Dependencies{
		Membership: bubble.NewMembershipEngine(stores.nodes, hub),
		Referrals:  bubble.NewReferralEngine(stores.edges, stores.nodes, hub),
		ReferralLimiter: middleware.NewKeyedRateLimiter(middleware.RateLimitConfig{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
			Burst:    cfg.RateLimit.Burst,
			TTL:      cfg.RateLimit.TTL,
		}),
		HealthCheck:          stores.ping,
		IdentityHookSecret:   cfg.Identity.HookSecret,
		BillingWebhookSecret: cfg.Billing.WebhookSecret,
		PremiumEntitlement:   cfg.Billing.PremiumEntitlement,
	}

	photos, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
	switch {
	case err == nil:
		deps.Photos = photos
	case errors.Is(err, storage.ErrStorageDisabled):
		logger.Info("photo uploads disabled; no object store bucket configured")
	default:
		shutdownHub(hub)
		return handlers.Dependencies{}, nil, fmt.Errorf("configure photo storage: %w", err)
	}

	listenCtx, stopListener := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if listen {
		listener := repositories.NewPostgresChangeListener(stores.pool, hub, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(listenCtx); err != nil {
				logger.Error("node change listener stopped", "error", err)
			}
		}()
	}

	cleanup := func(ctx context.Context) error {
		stopListener()
		wg.Wait()
		return hub.Shutdown(ctx)
	}

	return deps, cleanup, nil
}

// rosterCacheTTL keeps the listing cache only where every write that can
// change a bubble also invalidates it: a process-local store, or a shared
// PostgreSQL store with LISTEN relaying other instances' writes. Any other
// shared store reads through so no replica serves a stale roster.
func rosterCacheTTL(driver string, listen bool, ttl time.Duration, logger *slog.Logger) time.Duration {
	if ttl <= 0 || driver == config.StoreMemory || listen {
		return ttl
	}
	logger.Info("roster cache disabled; shared store has no cross-instance invalidation", "store", driver)
	return 0
}

func shutdownHub(hub *roster.Hub) {
	ctx, cancel := context.WithTimeout(context.Background(), rosterShutdownTimeout)
	defer cancel()
	_ = hub.Shutdown(ctx)
}
