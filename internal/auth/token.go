// Package auth inspects bearer tokens on the client side. Verification is
// the server's job; this layer only reads the expiry claim so a token that
// is already dead fails fast as an auth error instead of consuming the
// reconnect budget.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken   = errors.New("access token is missing or empty")
	ErrTokenExpired = errors.New("access token is expired")
)

// CheckToken returns nil for a usable token. Opaque (non-JWT) tokens pass:
// only tokens that parse as JWTs with an expiry in the past are rejected.
func CheckToken(token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// Not a JWT; let the server judge it.
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}
