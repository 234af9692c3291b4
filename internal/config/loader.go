package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var defaults = map[string]interface{}{
	"server.addr":                    ":8080",
	"server.shutdown_timeout":        10 * time.Second,
	"billing.provider":               "hmac",
	"billing.webhook_secret":         "",
	"billing.signature_header":       "X-Webhook-Signature",
	"billing.product.pro_monthly":    []string{},
	"billing.product.pro_annual":     []string{},
	"billing.product.power_monthly":  []string{},
	"billing.product.power_annual":   []string{},
	"billing.prefer_customer_lookup": false,
	"rate_limit.requests":            100,
	"rate_limit.window":              60 * time.Second,
	"rate_limit.cleanup_interval":    5 * time.Minute,
	"rate_limit.backend":             "memory",
	"rate_limit.client_header":       "X-Forwarded-For",
	"storage.backend":                "memory",
	"storage.users":                  []string{},
	"storage.breaker_threshold":      5,
	"storage.breaker_reset_timeout":  30 * time.Second,
	"postgres.dsn":                   "",
	"redis.addr":                     "",
	"redis.password":                 "",
	"redis.db":                       0,
	"firestore.project_id":           "",
	"log.level":                      "info",
	"log.format":                     "json",
	"metrics.namespace":              "tiersync",
}

// Load reads .env (if present), then config.yaml from the given directories
// (default: ./configs and .), then environment variables. Later sources win.
// Env names are the upper-cased keys with dots replaced by underscores,
// e.g. BILLING_WEBHOOK_SECRET.
func Load(configDirs ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configDirs) == 0 {
		configDirs = []string{"./configs", "."}
	}
	for _, dir := range configDirs {
		v.AddConfigPath(dir)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
