package billing

import (
	"fmt"

	"github.com/mihaimyh/tiersync/pkg/ratelimit"
)

const defaultMaxBodyBytes = 256 * 1024

// Config defines the webhook handler configuration.
type Config struct {
	// Provider authenticates and decodes deliveries (required).
	Provider Provider

	// Reconciler applies decoded events (required).
	Reconciler *Reconciler

	// RateLimiter bounds deliveries per client. If nil, no limit is applied.
	RateLimiter *ratelimit.Limiter

	// ClientKey derives the rate limit key from a request.
	// Defaults to the first X-Forwarded-For hop, then RemoteAddr.
	ClientKey ratelimit.KeyFunc

	// MaxBodyBytes caps the request body. Defaults to 256 KiB.
	MaxBodyBytes int64

	// Logger is an optional structured logger.
	// If nil, logs are discarded.
	Logger Logger

	// Metrics is an optional metrics collector for webhook processing.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("%w: provider is required", ErrNotConfigured)
	}
	if c.Reconciler == nil {
		return fmt.Errorf("%w: reconciler is required", ErrNotConfigured)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes must not be negative")
	}
	return nil
}
