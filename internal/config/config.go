// Package config handles service configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the top-level service configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Storage    StorageConfig    `json:"storage"`
	Generation GenerationConfig `json:"generation"`
	Billing    BillingConfig    `json:"billing,omitempty"`
	SMTP       SMTPConfig       `json:"smtp,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	BaseURL        string   `json:"base_url"`                  // public app URL used for checkout redirects
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 12MB (base64 images)
	TestCredits    int      `json:"test_credits,omitempty"`    // promotional grant size; default 10
}

// AuthConfig defines how bearer tokens are resolved to users.
type AuthConfig struct {
	Provider          string `json:"provider,omitempty"` // "jwks" (default) or "hs256"
	JWKSURL           string `json:"jwks_url,omitempty"`
	Issuer            string `json:"issuer,omitempty"`
	JWTSecret         string `json:"jwt_secret,omitempty"`
	Audience          string `json:"audience,omitempty"`
	TrustClientUserID bool   `json:"trust_client_user_id,omitempty"` // accept body user_id without a token (development only)
}

// StorageConfig defines ledger database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "adlence.db" or "postgres://..."
}

// GenerationConfig points at the external workflow webhooks.
type GenerationConfig struct {
	TextWebhookURL  string            `json:"text_webhook_url"`
	ImageWebhookURL string            `json:"image_webhook_url"`
	ToolsWebhookURL string            `json:"tools_webhook_url"`
	ToolWebhooks    map[string]string `json:"tool_webhooks,omitempty"` // per-tool overrides
	Timeout         Duration          `json:"timeout,omitempty"`
}

// BillingConfig defines Stripe settings. Billing is disabled without a secret key.
type BillingConfig struct {
	StripeSecretKey     string `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string `json:"stripe_webhook_secret,omitempty"`
	Currency            string `json:"currency,omitempty"` // default "usd"
}

// SMTPConfig defines outgoing mail for the waiting list. Disabled without a host.
type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"` // waiting list recipient; defaults to From
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 5
	Burst             int     `json:"burst,omitempty"`               // default 10
	RedisURL          string  `json:"redis_url,omitempty"`           // shared limits across instances; empty keeps them in memory
}

// TelemetryConfig defines OTLP export. Empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads an optional config file, applies environment overrides and validates
// the result. A missing file is not an error when optional is true.
func Load(path string, optional bool) (*Config, error) {
	// .env is a convenience for local development; its absence is normal.
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays recognised environment variables onto the file values.
func (c *Config) applyEnv() {
	envStr("LISTEN_ADDR", &c.Server.Addr)
	envStr("APP_BASE_URL", &c.Server.BaseURL)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	envStr("AUTH_PROVIDER", &c.Auth.Provider)
	envStr("AUTH_JWKS_URL", &c.Auth.JWKSURL)
	envStr("AUTH_ISSUER", &c.Auth.Issuer)
	envStr("AUTH_JWT_SECRET", &c.Auth.JWTSecret)
	envStr("AUTH_AUDIENCE", &c.Auth.Audience)
	envBool("AUTH_TRUST_CLIENT_USER_ID", &c.Auth.TrustClientUserID)

	envStr("DATABASE_DRIVER", &c.Storage.Driver)
	envStr("DATABASE_URL", &c.Storage.DSN)

	envStr("N8N_TEXT_WEBHOOK_URL", &c.Generation.TextWebhookURL)
	envStr("N8N_IMAGE_WEBHOOK_URL", &c.Generation.ImageWebhookURL)
	envStr("N8N_TOOLS_WEBHOOK_URL", &c.Generation.ToolsWebhookURL)
	if v := os.Getenv("GENERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Generation.Timeout.Duration = d
		}
	}

	envStr("STRIPE_SECRET_KEY", &c.Billing.StripeSecretKey)
	envStr("STRIPE_WEBHOOK_SECRET", &c.Billing.StripeWebhookSecret)
	envStr("STRIPE_CURRENCY", &c.Billing.Currency)

	envStr("SMTP_HOST", &c.SMTP.Host)
	envInt("SMTP_PORT", &c.SMTP.Port)
	envStr("SMTP_USER", &c.SMTP.Username)
	envStr("SMTP_PASSWORD", &c.SMTP.Password)
	envStr("SMTP_FROM", &c.SMTP.From)
	envStr("WAITING_LIST_TO", &c.SMTP.To)

	envStr("LOG_LEVEL", &c.Logging.Level)
	envStr("LOG_FORMAT", &c.Logging.Format)

	envStr("REDIS_URL", &c.RateLimit.RedisURL)

	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	case "hs256":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
	default:
		return fmt.Errorf("unknown auth provider: %q", c.Auth.Provider)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	if c.Billing.StripeSecretKey != "" && c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("billing.stripe_webhook_secret is required when billing is enabled")
	}
	if c.Server.TestCredits < 0 {
		return fmt.Errorf("server.test_credits must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:3000"
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 12 * 1024 * 1024 // 12MB
	}
	if c.Server.TestCredits == 0 {
		c.Server.TestCredits = 10
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "jwks"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "adlence.db"
	}
	if c.Generation.Timeout.Duration == 0 {
		c.Generation.Timeout.Duration = 120 * time.Second
	}
	if c.Billing.Currency == "" {
		c.Billing.Currency = "usd"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.To == "" {
		c.SMTP.To = c.SMTP.From
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "adlence"
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
