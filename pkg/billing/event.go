package billing

import "time"

// Family groups event types by how the reconciler treats them.
type Family int

const (
	// FamilyUnknown is any type outside the known set. Acknowledged, never acted on.
	FamilyUnknown Family = iota
	// FamilyOther is a known type with no subscription consequence (orders, checkouts).
	FamilyOther
	// FamilyUpsert covers created/updated style subscription events.
	FamilyUpsert
	// FamilyCancel covers cancellation style subscription events.
	FamilyCancel
)

var eventFamilies = map[string]Family{
	"subscription.created":    FamilyUpsert,
	"subscription.updated":    FamilyUpsert,
	"subscription.active":     FamilyUpsert,
	"subscription.uncanceled": FamilyUpsert,
	"subscription.canceled":   FamilyCancel,
	"subscription.revoked":    FamilyCancel,

	"order.created":         FamilyOther,
	"order.paid":            FamilyOther,
	"order.updated":         FamilyOther,
	"order.refunded":        FamilyOther,
	"checkout.created":      FamilyOther,
	"checkout.updated":      FamilyOther,
	"customer.created":      FamilyOther,
	"customer.updated":      FamilyOther,
	"customer.deleted":      FamilyOther,
	"product.created":       FamilyOther,
	"product.updated":       FamilyOther,
	"benefit_grant.created": FamilyOther,
	"benefit_grant.revoked": FamilyOther,
}

// Classify returns the family of an event type.
func Classify(eventType string) Family {
	if f, ok := eventFamilies[eventType]; ok {
		return f
	}
	return FamilyUnknown
}

// IsSubscriptionKind reports whether the type must carry a subscription id and status.
func (f Family) IsSubscriptionKind() bool {
	return f == FamilyUpsert || f == FamilyCancel
}

// Event is a validated webhook delivery. It is one of *SubscriptionEvent,
// *CancellationEvent or *OtherEvent.
type Event interface {
	EventType() string
	isEvent()
}

// SubscriptionEvent carries the full subscription state for a created/updated delivery.
type SubscriptionEvent struct {
	Type               string
	SubscriptionID     string
	CustomerID         string
	ExternalUserID     string
	ProductID          string
	Status             string
	RecurringInterval  string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}

// CancellationEvent references the provider subscription being canceled.
type CancellationEvent struct {
	Type           string
	SubscriptionID string
	CustomerID     string
	CanceledAt     *time.Time
}

// OtherEvent is a well-formed delivery that needs no state change.
type OtherEvent struct {
	Type  string
	Known bool
}

func (e *SubscriptionEvent) EventType() string { return e.Type }
func (e *CancellationEvent) EventType() string { return e.Type }
func (e *OtherEvent) EventType() string        { return e.Type }

func (*SubscriptionEvent) isEvent() {}
func (*CancellationEvent) isEvent() {}
func (*OtherEvent) isEvent()        {}
