// Package subscription defines the authoritative per-user subscription record
// and the persistence contracts the billing reconciler writes through.
package subscription

import (
	"strings"
	"time"
)

// Tier is a subscription level. Tiers are totally ordered: free < pro < power.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierPower Tier = "power"
)

// Rank returns the position of the tier in the total order.
// Unknown tiers rank below free.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPro:
		return 1
	case TierPower:
		return 2
	default:
		return -1
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Outranks reports whether t is strictly higher than other.
func (t Tier) Outranks(other Tier) bool {
	return t.Rank() > other.Rank()
}

// BillingCycle is the renewal interval of a paid subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// ParseBillingCycle accepts the cycle names plus the provider's interval
// spelling ("month", "year").
func ParseBillingCycle(s string) (BillingCycle, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "month":
		return CycleMonthly, true
	case "annual", "annually", "yearly", "year":
		return CycleAnnual, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a subscription record.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// StatusFromProvider maps a provider subscription status onto the record status.
// Terminal provider states become canceled; everything else, including
// trialing and past_due grace periods, keeps the record active.
func StatusFromProvider(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "canceled", "cancelled", "revoked", "unpaid", "incomplete_expired", "ended":
		return StatusCanceled
	default:
		return StatusActive
	}
}

// Subscription is the authoritative record of a user's tier.
// There is at most one record per UserID.
type Subscription struct {
	UserID                 string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	ExternalProductID      string
	Tier                   Tier
	BillingCycle           BillingCycle
	Status                 Status
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
}

// IsActive reports whether the record currently grants its tier.
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// EffectiveTier is the tier feature gates should use: the stored tier while
// active, free otherwise.
func (s *Subscription) EffectiveTier() Tier {
	if !s.IsActive() {
		return TierFree
	}
	return s.Tier
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.CanceledAt = cloneTime(s.CanceledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
