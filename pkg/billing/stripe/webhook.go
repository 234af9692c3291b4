package stripe

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionResumed = "customer.subscription.resumed"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// acknowledgedPrefixes are Stripe event families that carry no tier change.
var acknowledgedPrefixes = []string{
	"invoice.",
	"checkout.session.",
	"customer.",
	"payment_intent.",
	"charge.",
	"price.",
	"product.",
}

// Decode parses a Stripe event and maps subscription objects to billing events.
func (p *Provider) Decode(body []byte) (billing.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, &billing.ValidationError{Details: []string{"malformed event: " + err.Error()}}
	}
	eventType := string(event.Type)
	if eventType == "" {
		return nil, &billing.ValidationError{Details: []string{"event type is required"}}
	}

	switch eventType {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionResumed, eventSubscriptionDeleted:
	default:
		return &billing.OtherEvent{Type: eventType, Known: isAcknowledged(eventType)}, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, &billing.ValidationError{Details: []string{"data.object is required"}}
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, &billing.ValidationError{Details: []string{"failed to unmarshal subscription: " + err.Error()}}
	}
	if sub.ID == "" || sub.Status == "" {
		return nil, &billing.ValidationError{Details: []string{"subscription id and status are required"}}
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	if eventType == eventSubscriptionDeleted {
		return &billing.CancellationEvent{
			Type:           eventType,
			SubscriptionID: sub.ID,
			CustomerID:     customerID,
			CanceledAt:     canceledAt(&sub),
		}, nil
	}

	ev := &billing.SubscriptionEvent{
		Type:              eventType,
		SubscriptionID:    sub.ID,
		CustomerID:        customerID,
		ExternalUserID:    extractUserID(&sub),
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixTime(sub.CanceledAt),
	}
	if item := p.selectItem(&sub); item != nil {
		ev.ProductID = item.Price.ID
		if item.Price.Recurring != nil {
			ev.RecurringInterval = string(item.Price.Recurring.Interval)
		}
		ev.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		ev.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return ev, nil
}

// selectItem picks the priced item that determines the tier. With a resolver
// the highest ranked mapped price wins; otherwise the first priced item.
func (p *Provider) selectItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil {
		return nil
	}
	var first, best *stripe.SubscriptionItem
	bestRank := -1
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil || item.Price.ID == "" {
			continue
		}
		if first == nil {
			first = item
		}
		if p.tiers == nil {
			break
		}
		interval := ""
		if item.Price.Recurring != nil {
			interval = string(item.Price.Recurring.Interval)
		}
		if plan, ok := p.tiers.Resolve(item.Price.ID, interval); ok && plan.Tier.Rank() > bestRank {
			best, bestRank = item, plan.Tier.Rank()
		}
	}
	if best != nil {
		return best
	}
	return first
}

// extractUserID reads user_id from subscription metadata, then from an
// expanded customer's metadata.
func extractUserID(sub *stripe.Subscription) string {
	if userID := strings.TrimSpace(sub.Metadata["user_id"]); userID != "" {
		return userID
	}
	if sub.Customer != nil {
		return strings.TrimSpace(sub.Customer.Metadata["user_id"])
	}
	return ""
}

func canceledAt(sub *stripe.Subscription) *time.Time {
	if t := unixTime(sub.CanceledAt); t != nil {
		return t
	}
	return unixTime(sub.EndedAt)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func isAcknowledged(eventType string) bool {
	for _, prefix := range acknowledgedPrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

var _ billing.Provider = (*Provider)(nil)
