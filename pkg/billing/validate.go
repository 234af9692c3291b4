package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the minimal shape of every delivery. Unknown fields are
// tolerated because the provider adds fields without a version bump.
const envelopeSchema = `{
	"type": "object",
	"required": ["type", "data"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"data": {"type": "object"}
	}
}`

// subscriptionSchema is applied on top of the envelope for subscription kinds.
const subscriptionSchema = `{
	"type": "object",
	"required": ["data"],
	"properties": {
		"data": {
			"type": "object",
			"required": ["id", "status"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"status": {"type": "string", "minLength": 1},
				"product_id": {"type": ["string", "null"]},
				"customer_id": {"type": ["string", "null"]},
				"cancel_at_period_end": {"type": ["boolean", "null"]}
			}
		}
	}
}`

// ValidationError describes why a payload failed structural validation.
// It wraps ErrInvalidWebhookPayload; Details are for server-side logs only.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidWebhookPayload, strings.Join(e.Details, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidWebhookPayload
}

// Validator checks delivery shape and produces typed events.
type Validator struct {
	envelope     *gojsonschema.Schema
	subscription *gojsonschema.Schema
}

// NewValidator compiles the delivery schemas.
func NewValidator() (*Validator, error) {
	envelope, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}
	sub, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(subscriptionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile subscription schema: %w", err)
	}
	return &Validator{envelope: envelope, subscription: sub}, nil
}

// MustNewValidator is NewValidator for package-level initialisation.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscriptionPayload struct {
	ID                 string                 `json:"id"`
	Status             string                 `json:"status"`
	ProductID          string                 `json:"product_id"`
	CustomerID         string                 `json:"customer_id"`
	Product            *objectRef             `json:"product"`
	Customer           *objectRef             `json:"customer"`
	Metadata           map[string]interface{} `json:"metadata"`
	RecurringInterval  string                 `json:"recurring_interval"`
	CurrentPeriodStart timestamp              `json:"current_period_start"`
	CurrentPeriodEnd   timestamp              `json:"current_period_end"`
	CancelAtPeriodEnd  bool                   `json:"cancel_at_period_end"`
	CanceledAt         timestamp              `json:"canceled_at"`
}

// objectRef is a reference the provider sends either as a bare id string or
// as an expanded object.
type objectRef struct {
	ID         string
	ExternalID string
}

func (r *objectRef) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var aux struct {
		ID         string `json:"id"`
		ExternalID string `json:"external_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.ID, r.ExternalID = aux.ID, aux.ExternalID
	return nil
}

// timestamp is an RFC 3339 time where null and "" both mean absent.
type timestamp struct {
	t *time.Time
}

func (ts *timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	ts.t = &t
	return nil
}

// Decode validates body and returns the typed event. Unknown event types pass
// structural validation and come back as an *OtherEvent with Known=false.
func (v *Validator) Decode(body []byte) (Event, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Details: []string{"malformed JSON: " + err.Error()}}
	}
	if dec.More() {
		return nil, &ValidationError{Details: []string{"multiple JSON values in payload"}}
	}

	if err := validateAgainst(v.envelope, doc); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ValidationError{Details: []string{err.Error()}}
	}

	family := Classify(env.Type)
	if !family.IsSubscriptionKind() {
		return &OtherEvent{Type: env.Type, Known: family == FamilyOther}, nil
	}

	if err := validateAgainst(v.subscription, doc); err != nil {
		return nil, err
	}

	var data subscriptionPayload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &ValidationError{Details: []string{"data: " + err.Error()}}
	}

	if family == FamilyCancel {
		return &CancellationEvent{
			Type:           env.Type,
			SubscriptionID: data.ID,
			CustomerID:     data.customerID(),
			CanceledAt:     data.CanceledAt.t,
		}, nil
	}

	return &SubscriptionEvent{
		Type:               env.Type,
		SubscriptionID:     data.ID,
		CustomerID:         data.customerID(),
		ExternalUserID:     data.externalUserID(),
		ProductID:          data.productID(),
		Status:             data.Status,
		RecurringInterval:  data.RecurringInterval,
		CurrentPeriodStart: data.CurrentPeriodStart.t,
		CurrentPeriodEnd:   data.CurrentPeriodEnd.t,
		CancelAtPeriodEnd:  data.CancelAtPeriodEnd,
		CanceledAt:         data.CanceledAt.t,
	}, nil
}

func validateAgainst(schema *gojsonschema.Schema, doc interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return &ValidationError{Details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		details[i] = desc.String()
	}
	return &ValidationError{Details: details}
}

func (p *subscriptionPayload) productID() string {
	if id := strings.TrimSpace(p.ProductID); id != "" {
		return id
	}
	if p.Product != nil {
		return strings.TrimSpace(p.Product.ID)
	}
	return ""
}

func (p *subscriptionPayload) customerID() string {
	if id := strings.TrimSpace(p.CustomerID); id != "" {
		return id
	}
	if p.Customer != nil {
		return strings.TrimSpace(p.Customer.ID)
	}
	return ""
}

func (p *subscriptionPayload) externalUserID() string {
	if p.Customer != nil {
		if id := strings.TrimSpace(p.Customer.ExternalID); id != "" {
			return id
		}
	}
	for _, key := range []string{"user_id", "userId"} {
		if s, ok := p.Metadata[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
