// Package auth validates bearer tokens and puts the caller's user id on the
// request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrRevoked      = errors.New("token has been revoked")
	ErrNoSubject    = errors.New("token has no subject")
)

// Claims are the JWT claims shellkeeper accepts. The subject is the user id
// that owns sessions; ID (jti) is checked against the revocation list.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Validator checks HS256 tokens.
type Validator struct {
	secret        []byte
	redis         *redis.Client
	revocationKey string
}

// NewValidator creates a validator. rdb may be nil, which disables the
// revocation check.
func NewValidator(secret string, rdb *redis.Client, revocationKey string) (*Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: empty JWT secret")
	}
	return &Validator{secret: []byte(secret), redis: rdb, revocationKey: revocationKey}, nil
}

// Validate parses tokenString, checks its signature and standard claims, and
// consults the revocation list.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open so a Redis outage does not lock every user out.
		slog.Error("token revocation check failed", slog.String("error", err.Error()))
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

func (v *Validator) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redis == nil || jti == "" {
		return false, nil
	}
	n, err := v.redis.Exists(ctx, v.revocationKey+":"+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return n == 1, nil
}

// Sign issues an HS256 token carrying claims.
func (v *Validator) Sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
