package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the bearer token failed verification.
	ErrInvalidToken = errors.New("invalid identity token")
	// ErrVerifierNotConfigured indicates no signing key was provided.
	ErrVerifierNotConfigured = errors.New("identity verifier not configured")
)

// Identity is the authenticated caller as asserted by the identity provider.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// Name returns the best available display name for the identity.
func (i Identity) Name() string {
	if name := strings.TrimSpace(i.DisplayName); name != "" {
		return name
	}
	return strings.TrimSpace(i.Email)
}

// VerifierConfig configures token verification.
type VerifierConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

type identityClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 identity tokens issued by the identity provider.
type Verifier struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier constructs a verifier. An empty signing key is rejected.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if strings.TrimSpace(cfg.SigningKey) == "" {
		return nil, ErrVerifierNotConfigured
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		key:      []byte(cfg.SigningKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      now,
	}, nil
}

// Verify parses and validates token, returning the identity it asserts.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims identityClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Identity{
		UserID:      subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}, nil
}

// Issue signs a token for identity valid for ttl. It backs the dev-token
// command and tests; production tokens come from the identity provider.
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	if identity.UserID == "" {
		return "", errors.New("user id must be provided")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := v.now()
	claims := identityClaims{
		Email: identity.Email,
		Name:  identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}
