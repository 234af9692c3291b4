package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTier_Rank(t *testing.T) {
	assert.True(t, TierPower.Outranks(TierPro))
	assert.True(t, TierPro.Outranks(TierFree))
	assert.False(t, TierPro.Outranks(TierPower))
	assert.False(t, TierPro.Outranks(TierPro))
	assert.Equal(t, -1, Tier("gold").Rank())
	assert.False(t, Tier("gold").Valid())
}

func TestParseBillingCycle(t *testing.T) {
	tests := []struct {
		in   string
		want BillingCycle
		ok   bool
	}{
		{"monthly", CycleMonthly, true},
		{"month", CycleMonthly, true},
		{"YEAR", CycleAnnual, true},
		{"annual", CycleAnnual, true},
		{"weekly", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseBillingCycle(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusFromProvider(t *testing.T) {
	assert.Equal(t, StatusActive, StatusFromProvider("active"))
	assert.Equal(t, StatusActive, StatusFromProvider("trialing"))
	assert.Equal(t, StatusActive, StatusFromProvider("past_due"))
	assert.Equal(t, StatusCanceled, StatusFromProvider("canceled"))
	assert.Equal(t, StatusCanceled, StatusFromProvider("Revoked"))
	assert.Equal(t, StatusCanceled, StatusFromProvider("incomplete_expired"))
}

func TestSubscription_EffectiveTier(t *testing.T) {
	var none *Subscription
	assert.Equal(t, TierFree, none.EffectiveTier())

	sub := &Subscription{UserID: "u1", Tier: TierPower, Status: StatusActive}
	assert.Equal(t, TierPower, sub.EffectiveTier())

	sub.Status = StatusCanceled
	assert.Equal(t, TierFree, sub.EffectiveTier())
}

func TestSubscription_CloneIsDeep(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{UserID: "u1", Tier: TierPro, Status: StatusActive, CurrentPeriodEnd: &end}

	c := sub.Clone()
	*c.CurrentPeriodEnd = end.Add(time.Hour)

	assert.Equal(t, end, *sub.CurrentPeriodEnd)
}

func TestValidateRecord(t *testing.T) {
	assert.ErrorIs(t, ValidateRecord(nil), ErrInvalidRecord)
	assert.ErrorIs(t, ValidateRecord(&Subscription{Tier: TierPro, Status: StatusActive}), ErrInvalidRecord)
	assert.ErrorIs(t, ValidateRecord(&Subscription{UserID: "u", Tier: "gold", Status: StatusActive}), ErrInvalidRecord)
	assert.ErrorIs(t, ValidateRecord(&Subscription{UserID: "u", Tier: TierPro, Status: "paused"}), ErrInvalidRecord)
	assert.NoError(t, ValidateRecord(&Subscription{UserID: "u", Tier: TierPro, Status: StatusActive}))
}
