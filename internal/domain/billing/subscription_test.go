package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saasbill/backend/internal/domain/shared/valueobject"
)

func testPlan(t *testing.T, price float64, cycle BillingCycle) *Plan {
	t.Helper()
	plan, err := NewPlan("test-plan", valueobject.NewMoneyUSDFromFloat(price), cycle)
	require.NoError(t, err)
	return plan
}

func TestNewSubscription(t *testing.T) {
	tenantID := uuid.New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("starts active without trial", func(t *testing.T) {
		plan := testPlan(t, 79.99, BillingCycleMonthly)

		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_123", now)
		require.NoError(t, err)
		assert.Equal(t, SubscriptionStatusActive, sub.Status)
		assert.Equal(t, now, sub.CurrentPeriodStart)
		assert.Equal(t, now.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
		assert.Nil(t, sub.TrialEnd)
		assert.Len(t, sub.GetDomainEvents(), 1)
	})

	t.Run("starts trialing with trial days", func(t *testing.T) {
		plan := testPlan(t, 79.99, BillingCycleMonthly).WithTrialDays(14)

		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_123", now)
		require.NoError(t, err)
		assert.Equal(t, SubscriptionStatusTrialing, sub.Status)
		require.NotNil(t, sub.TrialEnd)
		assert.Equal(t, now.AddDate(0, 0, 14), *sub.TrialEnd)
	})

	t.Run("rejects nil tenant", func(t *testing.T) {
		plan := testPlan(t, 79.99, BillingCycleMonthly)

		_, err := NewSubscriptionAt(uuid.Nil, plan, "stripe", "cus_123", now)
		assert.Error(t, err)
	})

	t.Run("rejects missing plan", func(t *testing.T) {
		_, err := NewSubscriptionAt(tenantID, nil, "stripe", "cus_123", now)
		assert.Error(t, err)
	})
}

func TestSubscriptionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    SubscriptionStatus
		to      SubscriptionStatus
		allowed bool
	}{
		{"trialing to active", SubscriptionStatusTrialing, SubscriptionStatusActive, true},
		{"trialing to cancelled", SubscriptionStatusTrialing, SubscriptionStatusCancelled, true},
		{"trialing to past_due is forbidden", SubscriptionStatusTrialing, SubscriptionStatusPastDue, false},
		{"active to past_due", SubscriptionStatusActive, SubscriptionStatusPastDue, true},
		{"active to cancelled", SubscriptionStatusActive, SubscriptionStatusCancelled, true},
		{"past_due recovers to active", SubscriptionStatusPastDue, SubscriptionStatusActive, true},
		{"past_due to cancelled", SubscriptionStatusPastDue, SubscriptionStatusCancelled, true},
		{"cancelled is terminal", SubscriptionStatusCancelled, SubscriptionStatusActive, false},
		{"cancelled never trials", SubscriptionStatusCancelled, SubscriptionStatusTrialing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSubscription_PaymentTransitions(t *testing.T) {
	tenantID := uuid.New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("active to past_due and back", func(t *testing.T) {
		plan := testPlan(t, 29.99, BillingCycleMonthly)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)

		require.NoError(t, sub.MarkPastDue())
		assert.Equal(t, SubscriptionStatusPastDue, sub.Status)

		require.NoError(t, sub.MarkActive())
		assert.Equal(t, SubscriptionStatusActive, sub.Status)
	})

	t.Run("trialing cannot go past_due", func(t *testing.T) {
		plan := testPlan(t, 29.99, BillingCycleMonthly).WithTrialDays(7)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)

		assert.Error(t, sub.MarkPastDue())
		assert.Equal(t, SubscriptionStatusTrialing, sub.Status)
	})

	t.Run("marking active twice is a no-op", func(t *testing.T) {
		plan := testPlan(t, 29.99, BillingCycleMonthly)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)

		require.NoError(t, sub.MarkActive())
		assert.Equal(t, SubscriptionStatusActive, sub.Status)
	})
}

func TestSubscription_Cancel(t *testing.T) {
	tenantID := uuid.New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("immediate cancel is terminal", func(t *testing.T) {
		plan := testPlan(t, 29.99, BillingCycleMonthly)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)

		require.NoError(t, sub.Cancel(now))
		assert.Equal(t, SubscriptionStatusCancelled, sub.Status)
		require.NotNil(t, sub.CancelledAt)

		assert.Error(t, sub.MarkActive())
		assert.Error(t, sub.MarkPastDue())
		assert.Error(t, sub.AdvancePeriod(plan.Cycle))
	})

	t.Run("scheduled cancel sets flag only", func(t *testing.T) {
		plan := testPlan(t, 29.99, BillingCycleMonthly)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)

		require.NoError(t, sub.ScheduleCancellation())
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, SubscriptionStatusActive, sub.Status)
	})

	t.Run("cannot schedule cancel on cancelled", func(t *testing.T) {
		plan := testPlan(t, 29.99, BillingCycleMonthly)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)

		require.NoError(t, sub.Cancel(now))
		assert.Error(t, sub.ScheduleCancellation())
	})
}

func TestSubscription_AdvancePeriod(t *testing.T) {
	tenantID := uuid.New()
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	plan := testPlan(t, 79.99, BillingCycleMonthly)
	sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
	require.NoError(t, err)

	firstEnd := sub.CurrentPeriodEnd
	require.NoError(t, sub.AdvancePeriod(plan.Cycle))

	// The next period anchors on the previous end, not on wall clock
	assert.Equal(t, firstEnd, sub.CurrentPeriodStart)
	assert.Equal(t, firstEnd.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
}

func TestSubscription_PlanChanges(t *testing.T) {
	tenantID := uuid.New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("immediate change accumulates proration", func(t *testing.T) {
		plan := testPlan(t, 29.99, BillingCycleMonthly)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)

		newPlanID := uuid.New()
		require.NoError(t, sub.ChangePlan(newPlanID, decimal.NewFromFloat(25)))
		assert.Equal(t, newPlanID, sub.PlanID)
		assert.True(t, sub.DeferredProration.Equal(decimal.NewFromFloat(25)))

		// Consuming resets the balance
		amount := sub.ConsumeDeferredProration()
		assert.True(t, amount.Equal(decimal.NewFromFloat(25)))
		assert.True(t, sub.DeferredProration.IsZero())
	})

	t.Run("pending change applies only after effective time", func(t *testing.T) {
		plan := testPlan(t, 79.99, BillingCycleMonthly)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)

		newPlanID := uuid.New()
		effective := sub.CurrentPeriodEnd
		credit := decimal.NewFromFloat(-25)
		require.NoError(t, sub.SchedulePlanChange(newPlanID, effective, credit))

		applied, err := sub.ApplyPendingChange(now)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, plan.GetID(), sub.PlanID)

		applied, err = sub.ApplyPendingChange(effective)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, newPlanID, sub.PlanID)
		assert.True(t, sub.DeferredProration.Equal(credit))
		assert.Nil(t, sub.PendingChange)
	})

	t.Run("cancelled subscription rejects plan change", func(t *testing.T) {
		plan := testPlan(t, 79.99, BillingCycleMonthly)
		sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", now)
		require.NoError(t, err)
		require.NoError(t, sub.Cancel(now))

		assert.Error(t, sub.ChangePlan(uuid.New(), decimal.Zero))
	})
}

func TestSubscription_RemainingPeriodFraction(t *testing.T) {
	tenantID := uuid.New()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	plan := testPlan(t, 79.99, BillingCycleMonthly)
	sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", start)
	require.NoError(t, err)

	t.Run("full at period start", func(t *testing.T) {
		f := sub.RemainingPeriodFraction(start)
		assert.True(t, f.Equal(decimal.NewFromInt(1)))
	})

	t.Run("half at midpoint", func(t *testing.T) {
		mid := start.Add(sub.CurrentPeriodEnd.Sub(start) / 2)
		f := sub.RemainingPeriodFraction(mid)
		assert.InDelta(t, 0.5, f.InexactFloat64(), 0.001)
	})

	t.Run("zero after period end", func(t *testing.T) {
		f := sub.RemainingPeriodFraction(sub.CurrentPeriodEnd.Add(time.Hour))
		assert.True(t, f.IsZero())
	})
}

func TestSubscription_IsDue(t *testing.T) {
	tenantID := uuid.New()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	plan := testPlan(t, 79.99, BillingCycleMonthly)

	sub, err := NewSubscriptionAt(tenantID, plan, "stripe", "cus_1", start)
	require.NoError(t, err)

	assert.False(t, sub.IsDue(start.AddDate(0, 0, 15)))
	assert.True(t, sub.IsDue(sub.CurrentPeriodEnd))
	assert.True(t, sub.IsDue(sub.CurrentPeriodEnd.Add(time.Hour)))

	require.NoError(t, sub.Cancel(start))
	assert.False(t, sub.IsDue(sub.CurrentPeriodEnd.Add(time.Hour)))
}

func TestBillingCycle_Advance(t *testing.T) {
	from := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, from.AddDate(0, 0, 7), BillingCycleWeekly.Advance(from))
	assert.Equal(t, from.AddDate(0, 1, 0), BillingCycleMonthly.Advance(from))
	assert.Equal(t, from.AddDate(1, 0, 0), BillingCycleYearly.Advance(from))
}
