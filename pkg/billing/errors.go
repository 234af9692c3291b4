package billing

import (
	"errors"

	"github.com/mihaimyh/tiersync/pkg/billing/internal"
)

var (
	// ErrNotConfigured is returned when the webhook signing secret is missing
	ErrNotConfigured = errors.New("billing webhook not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed or fails validation
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrPayloadTooLarge is returned when the request body exceeds the size limit
	ErrPayloadTooLarge = internal.ErrPayloadTooLarge

	// ErrPersistence is returned when the subscription store fails
	ErrPersistence = errors.New("subscription persistence failed")
)
