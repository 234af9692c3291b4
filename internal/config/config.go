// Package config loads service configuration from an optional config.yaml,
// an optional .env file, and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config is the service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Billing   BillingConfig   `mapstructure:"billing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BillingConfig struct {
	Provider             string         `mapstructure:"provider"` // hmac | stripe
	WebhookSecret        string         `mapstructure:"webhook_secret"`
	SignatureHeader      string         `mapstructure:"signature_header"`
	Product              ProductsConfig `mapstructure:"product"`
	PreferCustomerLookup bool           `mapstructure:"prefer_customer_lookup"`
}

// ProductsConfig lists provider product ids per paid tier and cycle.
type ProductsConfig struct {
	ProMonthly   []string `mapstructure:"pro_monthly"`
	ProAnnual    []string `mapstructure:"pro_annual"`
	PowerMonthly []string `mapstructure:"power_monthly"`
	PowerAnnual  []string `mapstructure:"power_annual"`
}

// Empty reports whether no product id is configured.
func (p ProductsConfig) Empty() bool {
	return len(p.ProMonthly)+len(p.ProAnnual)+len(p.PowerMonthly)+len(p.PowerAnnual) == 0
}

type RateLimitConfig struct {
	Requests        int           `mapstructure:"requests"`
	Window          time.Duration `mapstructure:"window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Backend         string        `mapstructure:"backend"` // memory | redis
	ClientHeader    string        `mapstructure:"client_header"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"` // memory | postgres | redis | firestore

	// Users seeds the user directory of the memory and redis backends.
	Users []string `mapstructure:"users"`

	// BreakerThreshold consecutive storage failures open the circuit for
	// BreakerResetTimeout. Zero disables the breaker.
	BreakerThreshold    int           `mapstructure:"breaker_threshold"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type FirestoreConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// Validate reports the first setting that would prevent startup. A missing
// webhook secret is allowed: deliveries are refused until it is set.
func (c *Config) Validate() error {
	switch c.Billing.Provider {
	case "hmac", "stripe":
	default:
		return fmt.Errorf("billing.provider must be hmac or stripe, got %q", c.Billing.Provider)
	}

	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate_limit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.CleanupInterval <= 0 {
		return fmt.Errorf("rate_limit.window and rate_limit.cleanup_interval must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres storage backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis storage backend")
		}
	case "firestore":
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore.project_id is required for the firestore storage backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, postgres, redis or firestore, got %q", c.Storage.Backend)
	}

	if c.Storage.BreakerThreshold < 0 || c.Storage.BreakerResetTimeout < 0 {
		return fmt.Errorf("storage breaker settings must not be negative")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	return nil
}

func (c *Config) normalize() {
	c.Billing.Provider = strings.ToLower(strings.TrimSpace(c.Billing.Provider))
	c.Billing.WebhookSecret = strings.TrimSpace(c.Billing.WebhookSecret)
	c.RateLimit.Backend = strings.ToLower(strings.TrimSpace(c.RateLimit.Backend))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	c.Storage.Users = splitIDs(c.Storage.Users)

	p := &c.Billing.Product
	p.ProMonthly = splitIDs(p.ProMonthly)
	p.ProAnnual = splitIDs(p.ProAnnual)
	p.PowerMonthly = splitIDs(p.PowerMonthly)
	p.PowerAnnual = splitIDs(p.PowerAnnual)
}

// splitIDs flattens comma lists and drops blanks.
func splitIDs(in []string) []string {
	var out []string
	for _, item := range in {
		for _, id := range strings.Split(item, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
