package handlers

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/familybubble/backend/internal/auth"
)

// RateLimiter is the minimal interface required to guard referral endpoints.
type RateLimiter interface {
	Allow(key string) bool
}

func allowRequest(limiter RateLimiter, r *http.Request, scope string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(rateLimitKey(r, scope))
}

// rateLimitKey prefers the authenticated user so callers behind a shared
// address do not starve each other.
func rateLimitKey(r *http.Request, scope string) string {
	key := "ip:" + clientIP(r)
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		key = "user:" + identity.UserID
	}
	if scope == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", scope, key)
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
