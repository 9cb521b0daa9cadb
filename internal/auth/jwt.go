// Package auth verifies the bearer tokens gateway clients and producers present.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Role separates observing users from producers and other services
type Role string

const (
	RoleUser    Role = "user"
	RoleService Role = "service"
)

// Claims identifies the owner a token was issued to
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role,omitempty"`
}

// CanAccess reports whether the holder may read or act on ownerID's jobs
func (c *Claims) CanAccess(ownerID string) bool {
	return c.Role == RoleService || (ownerID != "" && c.Subject == ownerID)
}

// JWT signs and verifies HS256 tokens
type JWT struct {
	secret []byte
	ttl    time.Duration
}

// NewJWT creates a signer. A zero ttl issues tokens valid for 7 days.
func NewJWT(secret string, ttl time.Duration) *JWT {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &JWT{secret: []byte(secret), ttl: ttl}
}

// Sign issues a token for subject
func (j *JWT) Sign(subject string, role Role) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
		Role: role,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(j.secret)
}

// Verify parses tokenStr and returns its claims
func (j *JWT) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !t.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if claims.Role == "" {
		claims.Role = RoleUser
	}
	return claims, nil
}
