package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

func TestTierResolver_Resolve(t *testing.T) {
	r, err := NewTierResolver(testMapping())
	require.NoError(t, err)
	assert.Equal(t, 4, r.Len())

	tests := []struct {
		product string
		want    Plan
	}{
		{testProMonthly, Plan{subscription.TierPro, subscription.CycleMonthly}},
		{testProAnnual, Plan{subscription.TierPro, subscription.CycleAnnual}},
		{testPowerMonthly, Plan{subscription.TierPower, subscription.CycleMonthly}},
		{testPowerAnnual, Plan{subscription.TierPower, subscription.CycleAnnual}},
		{"  " + testProMonthly + " ", Plan{subscription.TierPro, subscription.CycleMonthly}},
	}
	for _, tt := range tests {
		got, ok := r.Resolve(tt.product, "")
		assert.True(t, ok, tt.product)
		assert.Equal(t, tt.want, got, tt.product)
	}
}

func TestTierResolver_UnknownIsNeverDefaulted(t *testing.T) {
	r, err := NewTierResolver(testMapping())
	require.NoError(t, err)

	for _, id := range []string{"", "prod_enterprise", "free", "pro"} {
		plan, ok := r.Resolve(id, "month")
		assert.False(t, ok, id)
		assert.Equal(t, Plan{}, plan)
	}
}

func TestTierResolver_CaseVariantIsUnrecognized(t *testing.T) {
	r, err := NewTierResolver(ProductMapping{ProMonthly: []string{"price_1AbCdE"}})
	require.NoError(t, err)

	_, ok := r.Resolve("price_1AbCdE", "month")
	assert.True(t, ok)

	for _, id := range []string{"price_1abcde", "PRICE_1ABCDE", "Price_1AbCdE"} {
		plan, ok := r.Resolve(id, "month")
		assert.False(t, ok, id)
		assert.Equal(t, Plan{}, plan, id)
	}
}

func TestTierResolver_SharedIDUsesInterval(t *testing.T) {
	r, err := NewTierResolver(ProductMapping{
		ProMonthly: []string{"prod_pro"},
		ProAnnual:  []string{"prod_pro", "prod_pro_legacy"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Resolve("prod_pro", "year")
	require.True(t, ok)
	assert.Equal(t, subscription.CycleAnnual, got.Cycle)

	got, ok = r.Resolve("prod_pro", "month")
	require.True(t, ok)
	assert.Equal(t, subscription.CycleMonthly, got.Cycle)

	got, ok = r.Resolve("prod_pro_legacy", "month")
	require.True(t, ok)
	assert.Equal(t, subscription.CycleAnnual, got.Cycle, "a single mapping wins over the interval")
}

func TestNewTierResolver_RejectsConflicts(t *testing.T) {
	_, err := NewTierResolver(ProductMapping{
		ProMonthly:   []string{"prod_x"},
		PowerMonthly: []string{" prod_x "},
	})
	assert.Error(t, err)

	r, err := NewTierResolver(ProductMapping{
		ProMonthly:   []string{"prod_x"},
		PowerMonthly: []string{"PROD_X"},
	})
	require.NoError(t, err, "ids differing only by case are distinct products")
	got, ok := r.Resolve("PROD_X", "")
	require.True(t, ok)
	assert.Equal(t, subscription.TierPower, got.Tier)
}
