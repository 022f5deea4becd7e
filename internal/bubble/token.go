package bubble

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// referralTokenBytes yields 160 bits of entropy per token.
const referralTokenBytes = 20

var referralTokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewReferralToken returns a random, upper-case base32 referral token.
func NewReferralToken() (string, error) {
	buf := make([]byte, referralTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return referralTokenEncoding.EncodeToString(buf), nil
}

// NormalizeReferralToken trims whitespace and upper-cases a user-entered token.
func NormalizeReferralToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
