package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates asymmetric JWTs against an identity provider's JWKS endpoint.
type JWKSProvider struct {
	issuer   string
	audience string
	jwks     keyfunc.Keyfunc
	cancel   context.CancelFunc
}

// NewJWKSProvider creates a JWKSProvider that fetches and refreshes keys from jwksURL.
func NewJWKSProvider(jwksURL, issuer, audience string) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	p := newJWKSProvider(jwks, issuer, audience)
	p.cancel = cancel
	return p, nil
}

func newJWKSProvider(jwks keyfunc.Keyfunc, issuer, audience string) *JWKSProvider {
	return &JWKSProvider{
		issuer:   issuer,
		audience: audience,
		jwks:     jwks,
	}
}

// ValidateToken parses a JWT signed by a JWKS key and returns an Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return identityFromClaims(token)
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Close stops the background JWKS refresh.
func (p *JWKSProvider) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}
