package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/familybubble/backend/internal/auth"
	"github.com/familybubble/backend/internal/logging"
)

// TokenVerifier validates bearer tokens issued by the identity provider.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Authenticate attaches the caller identity to the request context. Requests
// without an Authorization header continue anonymously and are rejected by
// the handlers that need an identity; a present but invalid token is
// rejected here with 401.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" || verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			logger := logging.FromContext(ctx)

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				logger.Warn("unsupported authorization scheme")
				writeUnauthorized(w)
				return
			}

			identity, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("identity token rejected", "error", err)
				writeUnauthorized(w)
				return
			}

			ctx = auth.WithIdentity(ctx, identity)
			ctx = logging.With(ctx, "userId", identity.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid identity token"})
}
