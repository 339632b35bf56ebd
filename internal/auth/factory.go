package auth

import (
	"fmt"

	"github.com/adlence-ai/adlence/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "jwks", "":
		return NewJWKSProvider(cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	case "hs256":
		return NewHS256Provider(cfg.JWTSecret, cfg.Audience)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
