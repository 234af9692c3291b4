package billing

import (
	"net/http"
	"strings"
)

const (
	hmacProviderName       = "hmac"
	DefaultSignatureHeader = "X-Webhook-Signature"
)

// Provider authenticates and decodes deliveries from one billing backend.
// This allows the webhook pipeline to serve different payment providers with
// the same reconciler.
type Provider interface {
	// Name returns the provider name (e.g., "hmac", "stripe")
	Name() string

	// Configured reports whether a signing secret is available.
	Configured() bool

	// Authenticate proves body was produced by the provider. It must fail
	// closed and return an error wrapping ErrInvalidWebhookSignature.
	Authenticate(header http.Header, body []byte) error

	// Decode validates body and returns the typed event. Errors wrap
	// ErrInvalidWebhookPayload.
	Decode(body []byte) (Event, error)
}

// HMACProvider verifies a hex HMAC-SHA256 of the raw body carried in a
// single header.
type HMACProvider struct {
	secret    string
	header    string
	validator *Validator
}

// NewHMACProvider creates the default provider. An empty header selects
// DefaultSignatureHeader. An empty secret yields a provider that reports
// Configured() == false.
func NewHMACProvider(secret, header string, validator *Validator) *HMACProvider {
	header = strings.TrimSpace(header)
	if header == "" {
		header = DefaultSignatureHeader
	}
	if validator == nil {
		validator = MustNewValidator()
	}
	return &HMACProvider{
		secret:    strings.TrimSpace(secret),
		header:    header,
		validator: validator,
	}
}

// Name returns the provider name
func (p *HMACProvider) Name() string {
	return hmacProviderName
}

func (p *HMACProvider) Configured() bool {
	return p.secret != ""
}

func (p *HMACProvider) Authenticate(header http.Header, body []byte) error {
	if !Verify(body, header.Get(p.header), p.secret) {
		return ErrInvalidWebhookSignature
	}
	return nil
}

func (p *HMACProvider) Decode(body []byte) (Event, error) {
	return p.validator.Decode(body)
}
