package bookingapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the bearer token returned by login. The back end signs it; the
// client only reads the expiry to know when to send the user back to login.
type Session struct {
	AccessToken string
	TokenType   string
	Subject     string
	ExpiresAt   time.Time
}

// ParseSession reads the claims of a JWT access token without verifying the
// signature. Opaque (non-JWT) tokens are an error.
func ParseSession(accessToken string) (*Session, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("bookingapi: empty access token")
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return nil, fmt.Errorf("bookingapi: parse access token: %w", err)
	}
	s := &Session{AccessToken: accessToken, TokenType: "bearer", Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Expired reports whether the token has expired at now. Tokens without an
// expiry never expire client-side.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// ExpiresIn returns the time left, zero once expired or when unknown.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	if s == nil || s.ExpiresAt.IsZero() || !now.Before(s.ExpiresAt) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}
