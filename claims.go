package apiclient

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the subset of an access token's claims the client needs to
// avoid unnecessary round trips. Claims are decoded on demand and never
// persisted.
type TokenClaims struct {
	// ExpiresAt is the "exp" claim in epoch seconds. Zero when absent.
	ExpiresAt int64

	// Subject is the "sub" claim, typically the user ID.
	Subject string
}

// DecodeToken decodes the payload segment of a JWT without verifying its
// signature. Verification is the server's responsibility; the client only
// needs the expiry claim. A decode failure is a data-integrity error, not an
// expiry.
func DecodeToken(token string) (*TokenClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("apiclient: decode token: %w", err)
	}
	decoded := &TokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		decoded.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return decoded, nil
}

// Expired reports whether the claims were expired at the given instant.
// A positive skew tolerance shifts the comparison point back, keeping a
// token usable slightly past its expiry to absorb clock differences with
// the server. A missing exp claim is expired.
func (c *TokenClaims) Expired(now time.Time, skew time.Duration) bool {
	return c.ExpiresAt*1000 <= now.Add(-skew).UnixMilli()
}

// tokenExpired is the fail-closed expiry check used by the refresh
// coordinator: a token that cannot be decoded counts as expired.
func tokenExpired(token string, now time.Time, skew time.Duration) bool {
	claims, err := DecodeToken(token)
	if err != nil {
		return true
	}
	return claims.Expired(now, skew)
}
