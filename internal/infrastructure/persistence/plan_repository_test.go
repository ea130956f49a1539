package persistence

import (
	"context"
	"testing"

	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupPlanTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	err = db.AutoMigrate(&PlanModel{})
	require.NoError(t, err)

	return db
}

func newTestPlan(t *testing.T, name, price string) *billing.Plan {
	t.Helper()
	money, err := valueobject.NewMoneyFromString(price, valueobject.USD)
	require.NoError(t, err)
	plan, err := billing.NewPlan(name, money, billing.BillingCycleMonthly)
	require.NoError(t, err)
	return plan
}

func TestPlanRepository_Save(t *testing.T) {
	db := setupPlanTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	t.Run("saves and reloads a plan with maps intact", func(t *testing.T) {
		plan := newTestPlan(t, "pro", "79.99")
		plan.WithTrialDays(14).
			WithQuota(billing.ResourceAPICall, 10000).
			WithOverageRate(billing.ResourceAPICall, decimal.NewFromFloat(0.01)).
			WithFeature("sso", true)

		err := repo.Save(ctx, plan)
		require.NoError(t, err)

		found, err := repo.FindByID(ctx, plan.GetID())
		require.NoError(t, err)
		assert.Equal(t, "pro", found.Name)
		assert.Equal(t, billing.BillingCycleMonthly, found.Cycle)
		assert.Equal(t, 14, found.TrialDays)
		assert.Equal(t, "79.99", found.Price.StringFixed(2))
		assert.Equal(t, valueobject.USD, found.Price.Currency())

		limit, ok := found.QuotaFor(billing.ResourceAPICall)
		require.True(t, ok)
		assert.Equal(t, int64(10000), limit)

		rate, ok := found.OverageRateFor(billing.ResourceAPICall)
		require.True(t, ok)
		assert.True(t, rate.Equal(decimal.NewFromFloat(0.01)))

		assert.True(t, found.Features["sso"])
	})

	t.Run("rejects duplicate plan name", func(t *testing.T) {
		first := newTestPlan(t, "basic", "29.99")
		require.NoError(t, repo.Save(ctx, first))

		second := newTestPlan(t, "basic", "39.99")
		err := repo.Save(ctx, second)
		assert.Equal(t, shared.ErrAlreadyExists, err)
	})
}

func TestPlanRepository_Update(t *testing.T) {
	db := setupPlanTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	t.Run("updates mutable fields and bumps version", func(t *testing.T) {
		plan := newTestPlan(t, "pro", "79.99")
		require.NoError(t, repo.Save(ctx, plan))

		plan.UpdateDescription("For growing teams")
		plan.WithQuota(billing.ResourceSeat, 25)
		err := repo.Update(ctx, plan)
		require.NoError(t, err)
		assert.Equal(t, 2, plan.Version)

		found, err := repo.FindByID(ctx, plan.GetID())
		require.NoError(t, err)
		assert.Equal(t, "For growing teams", found.Description)
		assert.Equal(t, 2, found.Version)

		limit, ok := found.QuotaFor(billing.ResourceSeat)
		require.True(t, ok)
		assert.Equal(t, int64(25), limit)
	})

	t.Run("rejects stale version", func(t *testing.T) {
		plan := newTestPlan(t, "team", "49.99")
		require.NoError(t, repo.Save(ctx, plan))

		stale := *plan
		require.NoError(t, repo.Update(ctx, plan))

		stale.UpdateDescription("stale write")
		err := repo.Update(ctx, &stale)
		assert.Equal(t, shared.ErrConcurrencyConflict, err)
	})
}

func TestPlanRepository_FindByName(t *testing.T) {
	db := setupPlanTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	plan := newTestPlan(t, "enterprise", "499.00")
	require.NoError(t, repo.Save(ctx, plan))

	t.Run("finds plan by name", func(t *testing.T) {
		found, err := repo.FindByName(ctx, "enterprise")
		require.NoError(t, err)
		assert.Equal(t, plan.GetID(), found.GetID())
	})

	t.Run("returns not found for unknown name", func(t *testing.T) {
		_, err := repo.FindByName(ctx, "nonexistent")
		assert.Equal(t, shared.ErrNotFound, err)
	})
}

func TestPlanRepository_FindActive(t *testing.T) {
	db := setupPlanTestDB(t)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	active := newTestPlan(t, "basic", "29.99")
	require.NoError(t, repo.Save(ctx, active))

	retired := newTestPlan(t, "legacy", "9.99")
	retired.Deactivate()
	require.NoError(t, repo.Save(ctx, retired))

	t.Run("returns only active plans", func(t *testing.T) {
		plans, err := repo.FindActive(ctx)
		require.NoError(t, err)
		require.Len(t, plans, 1)
		assert.Equal(t, "basic", plans[0].Name)
	})

	t.Run("plan deactivated before save stays inactive", func(t *testing.T) {
		found, err := repo.FindByID(ctx, retired.GetID())
		require.NoError(t, err)
		assert.False(t, found.IsActive)
	})
}
