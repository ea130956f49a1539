package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saasbill/backend/internal/domain/shared/valueobject"
)

func TestNewPlan(t *testing.T) {
	t.Run("valid plan", func(t *testing.T) {
		plan, err := NewPlan("pro", valueobject.NewMoneyUSDFromFloat(79.99), BillingCycleMonthly)
		require.NoError(t, err)
		assert.Equal(t, "pro", plan.Name)
		assert.True(t, plan.IsActive)
		assert.False(t, plan.HasTrial())
	})

	t.Run("rejects empty name", func(t *testing.T) {
		_, err := NewPlan("", valueobject.NewMoneyUSDFromFloat(79.99), BillingCycleMonthly)
		assert.Error(t, err)
	})

	t.Run("rejects negative price", func(t *testing.T) {
		_, err := NewPlan("pro", valueobject.NewMoneyUSD(decimal.NewFromInt(-1)), BillingCycleMonthly)
		assert.Error(t, err)
	})

	t.Run("rejects unknown cycle", func(t *testing.T) {
		_, err := NewPlan("pro", valueobject.NewMoneyUSDFromFloat(79.99), BillingCycle("daily"))
		assert.Error(t, err)
	})
}

func TestPlan_Builders(t *testing.T) {
	plan, err := NewPlan("pro", valueobject.NewMoneyUSDFromFloat(79.99), BillingCycleMonthly)
	require.NoError(t, err)

	plan.WithTrialDays(14).
		WithSetupFee(valueobject.NewMoneyUSDFromFloat(49)).
		WithQuota(ResourceAPICall, 10000).
		WithOverageRate(ResourceAPICall, decimal.NewFromFloat(0.01)).
		WithFeature("sso", true)

	assert.True(t, plan.HasTrial())
	assert.Equal(t, 14, plan.TrialDays)

	limit, ok := plan.QuotaFor(ResourceAPICall)
	assert.True(t, ok)
	assert.Equal(t, int64(10000), limit)

	rate, ok := plan.OverageRateFor(ResourceAPICall)
	assert.True(t, ok)
	assert.True(t, rate.Equal(decimal.NewFromFloat(0.01)))

	_, ok = plan.QuotaFor(ResourceSeat)
	assert.False(t, ok)

	assert.True(t, plan.Features["sso"])

	// Negative values are ignored by the builders
	plan.WithTrialDays(-1).WithQuota(ResourceSeat, -5)
	assert.Equal(t, 14, plan.TrialDays)
	_, ok = plan.QuotaFor(ResourceSeat)
	assert.False(t, ok)
}
