package billing

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - callers gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook delivery.
	// outcome: the reconciler outcome (e.g., "applied", "downgrade_skipped") or "error"
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g., "auth_failed", "invalid_payload", "not_configured", "persistence_error"
	RecordWebhookError(provider, errorType string)

	// RecordTierChange records when a user's stored tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordRateLimited records a delivery rejected by the rate limiter.
	RecordRateLimited(provider string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordRateLimited(_ string)                                   {}
