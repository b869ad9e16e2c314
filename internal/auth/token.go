// Package auth inspects and mints the bearer tokens used to open the
// event channel.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("access token is required")
	ErrTokenExpired = errors.New("access token expired")
)

// Claims is what the client needs to know about its own token.
type Claims struct {
	Subject   string
	ExpiresAt *time.Time
}

// Inspect reads the token claims without verifying the signature; the
// server is the one that verifies. It rejects tokens that already expired
// so the client does not dial just to be refused.
func Inspect(tokenStr string, now time.Time) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	token, _, err := jwt.NewParser().ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, jwt.ErrTokenInvalidClaims
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, err
	}
	out := &Claims{Subject: sub}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, err
	}
	if exp != nil {
		t := exp.Time
		out.ExpiresAt = &t
		if !now.Before(t) {
			return out, ErrTokenExpired
		}
	}
	return out, nil
}

// Source returns a token source that validates a static token on every dial.
func Source(tokenStr string) func() (string, error) {
	return func() (string, error) {
		if _, err := Inspect(tokenStr, time.Now()); err != nil {
			return "", err
		}
		return tokenStr, nil
	}
}

// IssueDevToken signs a short-lived HS256 token for local development
// servers that share the secret.
func IssueDevToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
