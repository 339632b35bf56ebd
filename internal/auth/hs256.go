package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// HS256Provider validates tokens signed with a shared project secret.
type HS256Provider struct {
	secret   []byte
	audience string
}

// NewHS256Provider creates an HS256Provider. audience is optional.
func NewHS256Provider(secret, audience string) (*HS256Provider, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	return &HS256Provider{secret: []byte(secret), audience: audience}, nil
}

func (p *HS256Provider) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return identityFromClaims(token)
}

func (p *HS256Provider) Name() string { return "hs256" }

func (p *HS256Provider) Close() error { return nil }
