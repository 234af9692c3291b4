// Package stripe adapts Stripe webhook deliveries to the billing pipeline.
// Signatures are checked with Stripe's timestamped scheme and subscription
// objects are mapped onto billing events.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const (
	providerName    = "stripe"
	signatureHeader = "Stripe-Signature"
)

// Config holds Stripe-specific options
type Config struct {
	// WebhookSecret is the endpoint signing secret (whsec_...).
	WebhookSecret string

	// Tolerance bounds the signature timestamp age (default: 5m)
	Tolerance time.Duration

	// Tiers is optional. When set, a subscription with several items is
	// reported with the item whose price maps to the highest tier.
	Tiers *billing.TierResolver
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	webhookSecret string
	tolerance     time.Duration
	tiers         *billing.TierResolver
}

// NewProvider creates a new Stripe webhook provider. An empty secret yields a
// provider that reports Configured() == false.
func NewProvider(config Config) *Provider {
	tolerance := config.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Provider{
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		tolerance:     tolerance,
		tiers:         config.Tiers,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Configured() bool {
	return p.webhookSecret != ""
}

// Authenticate verifies the Stripe-Signature header against the raw body.
func (p *Provider) Authenticate(header http.Header, body []byte) error {
	sig := header.Get(signatureHeader)
	if sig == "" || p.webhookSecret == "" {
		return billing.ErrInvalidWebhookSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(body, sig, p.webhookSecret, p.tolerance); err != nil {
		return billing.ErrInvalidWebhookSignature
	}
	return nil
}
