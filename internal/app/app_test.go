package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adlence-ai/adlence/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           "127.0.0.1:0",
			BaseURL:        "http://localhost:3000",
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxBodyBytes:   1 << 20,
			TestCredits:    10,
		},
		Auth: config.AuthConfig{
			Provider:  "hs256",
			JWTSecret: "test-secret-at-least-32-chars-long",
		},
		Storage: config.StorageConfig{Driver: "sqlite", DSN: ":memory:"},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAndShutdown(t *testing.T) {
	a, err := New(context.Background(), testConfig(), "test", testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown storage driver", func(c *config.Config) { c.Storage.Driver = "mysql" }},
		{"unknown auth provider", func(c *config.Config) { c.Auth.Provider = "ldap" }},
		{"short jwt secret", func(c *config.Config) { c.Auth.JWTSecret = "short" }},
		{"stripe key without webhook secret", func(c *config.Config) { c.Billing.StripeSecretKey = "sk_test_123" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, "test", testLogger())
			assert.Error(t, err)
		})
	}
}
