package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmgilman/go/errors"
)

// Claims are the parts of a session token the client relies on.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New(errors.CodeUnauthorized, "invalid token")
	ErrExpiredToken = errors.New(errors.CodeUnauthorized, "expired token")
)

// IssueToken signs claims with HS256. The client never holds the server
// secret; this exists for fixtures and local tooling.
func IssueToken(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "sign token")
	}
	return signed, nil
}

// ParseClaims decodes token without verifying its signature and checks its
// expiry against now. Signature checks belong to the server.
func ParseClaims(token string, now time.Time) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}
