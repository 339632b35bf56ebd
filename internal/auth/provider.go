// Package auth resolves bearer tokens to user identities.
package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token that cannot be trusted.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID string // token subject
	Email  string
	Role   string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
	Close() error
}

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}

// identityFromClaims maps verified claims to an Identity. A token without a
// subject is rejected.
func identityFromClaims(token *jwt.Token) (*Identity, error) {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := claimStr(claims, "role")
	if role == "" {
		role = "user"
	}

	return &Identity{
		UserID: sub,
		Email:  claimStr(claims, "email"),
		Role:   role,
	}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
