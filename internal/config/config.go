// Package config handles caphub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level caphub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Billing   BillingConfig   `json:"billing"`
	Token     TokenConfig     `json:"token"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines how end users authenticate to the hub.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"`     // "builtin" (default) or "clerk"
	ClerkIssuer  string        `json:"clerk_issuer,omitempty"` // e.g. "https://foo.clerk.accounts.dev"
	JWTSecret    string        `json:"jwt_secret,omitempty"`   // builtin provider session tokens
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user (builtin provider only).
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "caphub.db" or ":memory:"
}

// PlanConfig maps a billing plan to its price IDs and the entitlement codes it grants.
type PlanConfig struct {
	PriceIDs     []string `json:"price_ids"`
	Entitlements []string `json:"entitlements"`
}

// BillingConfig defines the billing-platform integration: webhook verification,
// the price->plan->entitlements catalog, and per-capability grace windows.
// The catalog is loaded once here and injected; nothing reads it from the
// environment at call sites.
type BillingConfig struct {
	WebhookSecret string                `json:"webhook_secret,omitempty"`
	Plans         map[string]PlanConfig `json:"plans,omitempty"`      // plan name -> prices/codes
	GraceDays     map[string]int        `json:"grace_days,omitempty"` // entitlement code -> days past due still usable
}

// TokenConfig defines entitlement token issuance and verification settings.
type TokenConfig struct {
	Secret     string   `json:"secret"`                // HMAC-SHA256 signing secret
	Issuer     string   `json:"issuer,omitempty"`      // "iss" claim; default "caphub"
	TTL        Duration `json:"ttl,omitempty"`         // default 600s
	VerifyKeys []string `json:"verify_keys,omitempty"` // static API keys accepted on the verify endpoint
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
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

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Validate checks required fields and rejects known-weak secrets.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("token.secret is required")
	}
	if len(c.Token.Secret) < 32 {
		return fmt.Errorf("token.secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Token.Secret] {
		return fmt.Errorf("token.secret is a well-known weak secret — generate a new one")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "clerk" && c.Auth.ClerkIssuer == "" {
		return fmt.Errorf("auth.clerk_issuer is required when provider is clerk")
	}
	for plan, pc := range c.Billing.Plans {
		if len(pc.PriceIDs) == 0 {
			return fmt.Errorf("billing.plans.%s: price_ids is required", plan)
		}
		if len(pc.Entitlements) == 0 {
			return fmt.Errorf("billing.plans.%s: entitlements is required", plan)
		}
	}
	for code, days := range c.Billing.GraceDays {
		if days < 0 {
			return fmt.Errorf("billing.grace_days.%s must not be negative", code)
		}
	}
	return nil
}

// ApplyDefaults fills in defaults for optional fields.
func (c *Config) ApplyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "caphub.db"
	}
	if c.Token.Issuer == "" {
		c.Token.Issuer = "caphub"
	}
	if c.Token.TTL.Duration == 0 {
		c.Token.TTL.Duration = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
