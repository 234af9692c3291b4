package billing

import (
	"fmt"
	"strings"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

// ProductMapping lists the provider product ids configured for each paid
// tier and billing cycle. Several ids per slot are allowed (legacy SKUs).
type ProductMapping struct {
	ProMonthly   []string
	ProAnnual    []string
	PowerMonthly []string
	PowerAnnual  []string
}

// Plan is a resolved paid tier plus its billing cycle.
type Plan struct {
	Tier  subscription.Tier
	Cycle subscription.BillingCycle
}

// TierResolver maps opaque product ids onto paid plans. It never falls back
// to a default: an unknown id is reported as unrecognized.
type TierResolver struct {
	plans map[string][]Plan
}

// NewTierResolver builds a resolver from the mapping. A product id configured
// for two different tiers is rejected.
func NewTierResolver(m ProductMapping) (*TierResolver, error) {
	r := &TierResolver{plans: make(map[string][]Plan)}
	slots := []struct {
		ids  []string
		plan Plan
	}{
		{m.ProMonthly, Plan{subscription.TierPro, subscription.CycleMonthly}},
		{m.ProAnnual, Plan{subscription.TierPro, subscription.CycleAnnual}},
		{m.PowerMonthly, Plan{subscription.TierPower, subscription.CycleMonthly}},
		{m.PowerAnnual, Plan{subscription.TierPower, subscription.CycleAnnual}},
	}
	for _, slot := range slots {
		for _, id := range slot.ids {
			key := normalizeProductID(id)
			if key == "" {
				continue
			}
			for _, existing := range r.plans[key] {
				if existing.Tier != slot.plan.Tier {
					return nil, fmt.Errorf("product %q mapped to both %s and %s", id, existing.Tier, slot.plan.Tier)
				}
			}
			r.plans[key] = append(r.plans[key], slot.plan)
		}
	}
	return r, nil
}

// Len returns the number of distinct configured product ids.
func (r *TierResolver) Len() int {
	return len(r.plans)
}

// Resolve returns the plan for productID. interval ("month"/"year") only
// disambiguates a product id configured for both cycles of the same tier.
func (r *TierResolver) Resolve(productID, interval string) (Plan, bool) {
	plans, ok := r.plans[normalizeProductID(productID)]
	if !ok || len(plans) == 0 {
		return Plan{}, false
	}
	if len(plans) > 1 {
		if cycle, ok := subscription.ParseBillingCycle(interval); ok {
			for _, p := range plans {
				if p.Cycle == cycle {
					return p, true
				}
			}
		}
	}
	return plans[0], true
}

// normalizeProductID only trims whitespace. Provider ids are case-sensitive.
func normalizeProductID(id string) string {
	return strings.TrimSpace(id)
}
