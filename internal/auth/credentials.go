package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no bearer token is configured.
	ErrMissingToken = errors.New("not signed in")

	// ErrTokenExpired is returned when the bearer token has expired.
	ErrTokenExpired = errors.New("sign-in expired")

	// ErrInvalidToken is returned when the bearer token cannot be read.
	ErrInvalidToken = errors.New("invalid token")
)

// Credentials describes the signed-in user as read from a bearer JWT.
// The signature is not checked here; the parking server does that.
type Credentials struct {
	Token     string
	Subject   string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Parse reads the subject and expiry from a bearer token
func Parse(token string) (Credentials, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer"))
	if token == "" {
		return Credentials{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Credentials{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	creds := Credentials{
		Token:   token,
		Subject: claims.Subject,
	}
	if claims.ExpiresAt != nil {
		creds.ExpiresAt = claims.ExpiresAt.Time
	}
	return creds, nil
}

// Authenticated reports whether the credentials are usable at now
func (c Credentials) Authenticated(now time.Time) error {
	if c.Token == "" || c.Subject == "" {
		return ErrMissingToken
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

// UserID returns the key namespace for this user
func (c Credentials) UserID() string {
	return c.Subject
}
