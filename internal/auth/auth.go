// Package auth validates the identity token presented on websocket upgrade.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for a missing, malformed or expired token
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Validator checks HS256 access tokens signed with the shared secret
type Validator struct {
	secret     []byte
	cookieName string
}

// NewValidator creates a validator. cookieName is the cookie browsers send
// the access token in.
func NewValidator(secret, cookieName string) *Validator {
	return &Validator{secret: []byte(secret), cookieName: cookieName}
}

// TokenFromRequest finds the token in the cookie, the token query parameter
// or an Authorization bearer header, in that order.
func (v *Validator) TokenFromRequest(r *http.Request) string {
	if v.cookieName != "" {
		if c, err := r.Cookie(v.cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Authenticate validates the token carried by r
func (v *Validator) Authenticate(r *http.Request) (*Identity, error) {
	return v.Validate(v.TokenFromRequest(r))
}

// Validate parses and verifies a token
func (v *Validator) Validate(token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	return &Identity{UserID: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Issue signs an access token for userID. Used by the CLI to mint local
// development tokens.
func (v *Validator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
