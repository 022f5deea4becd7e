package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/familybubble/backend/internal/auth"
	"github.com/familybubble/backend/internal/bubble"
	"github.com/familybubble/backend/internal/logging"
)

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

// respondError maps engine errors onto HTTP statuses. Unclassified errors
// are logged in full and reported generically.
func respondError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, bubble.ErrUnauthenticated):
		respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	case errors.Is(err, bubble.ErrInvalidToken):
		respondJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "invalid or already used referral token"})
	case errors.Is(err, bubble.ErrInvalidArgument):
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": clientMessage(err)})
	case errors.Is(err, bubble.ErrNotFound):
		respondJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "node not found"})
	default:
		logging.FromContext(ctx).Error(op+" failed", "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// clientMessage trims the operation prefixes added while wrapping so the
// caller sees only the argument problem.
func clientMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, bubble.ErrInvalidArgument.Error()); i >= 0 {
		return msg[i:]
	}
	return msg
}

// callerID returns the authenticated user id or writes a 401.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respondJSON(r.Context(), w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return "", false
	}
	return identity.UserID, true
}

// checkSecret compares the Authorization header against secret in constant
// time. Both the raw secret and "Bearer <secret>" are accepted. An empty
// secret is a misconfiguration and answers 500.
func checkSecret(w http.ResponseWriter, r *http.Request, secret, name string) bool {
	ctx := r.Context()
	if secret == "" {
		logging.FromContext(ctx).Error("shared secret not configured", "secret", name)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "endpoint not configured"})
		return false
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if secretMatches(header, secret) || secretMatches(header, "Bearer "+secret) {
		return true
	}

	respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	return false
}

func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
