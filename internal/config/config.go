// Package config loads runtime settings for the homebase access API from
// HOMEBASE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all runtime configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Store selects the persistence backend: postgres or memory.
	Store       string `env:"STORE" envDefault:"postgres"`
	DatabaseURL string `env:"PG_DSN"`

	// RedisURL enables Redis-backed view sessions. Empty keeps them in memory.
	RedisURL string `env:"REDIS_URL"`

	AuthSecret string        `env:"AUTH_SECRET,required"`
	AuthIssuer string        `env:"AUTH_ISSUER" envDefault:"homebase"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"15m"`

	MFAIssuer string `env:"MFA_ISSUER" envDefault:"Homebase"`
	// MFASealIdentity is an AGE-SECRET-KEY-1... identity used to seal TOTP
	// secrets at rest. Empty stores them unsealed.
	MFASealIdentity string `env:"MFA_SEAL_IDENTITY"`
	MFAVerifyBurst  int    `env:"MFA_VERIFY_BURST" envDefault:"5"`
	MFAVerifyPerMin int    `env:"MFA_VERIFY_PER_MIN" envDefault:"10"`

	RateBurst     int `env:"RATE_BURST" envDefault:"50"`
	RatePerSecond int `env:"RATE_PER_SECOND" envDefault:"20"`

	PermissionCacheSize int           `env:"PERMISSION_CACHE_SIZE" envDefault:"256"`
	PermissionCacheTTL  time.Duration `env:"PERMISSION_CACHE_TTL" envDefault:"5m"`
	ViewSessionTTL      time.Duration `env:"VIEW_SESSION_TTL" envDefault:"2h"`
	// SupportReadAccess keeps read permissions for admins while they impersonate.
	SupportReadAccess bool `env:"SUPPORT_READ_ACCESS" envDefault:"true"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "HOMEBASE_"})
	if err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: HOMEBASE_PG_DSN is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unsupported store %q", c.Store)
	}
	if len(strings.TrimSpace(c.AuthSecret)) < 32 {
		return errors.New("config: HOMEBASE_AUTH_SECRET must be at least 32 bytes")
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: HOMEBASE_TOKEN_TTL must be positive")
	}
	if c.MFAVerifyBurst <= 0 || c.MFAVerifyPerMin <= 0 {
		return errors.New("config: MFA verify limits must be positive")
	}
	return nil
}
