package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupUsageCounterTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	err = db.AutoMigrate(&UsageCounterModel{})
	require.NoError(t, err)

	return db
}

func TestUsageCounterRepository_Increment(t *testing.T) {
	db := setupUsageCounterTestDB(t)
	repo := NewUsageCounterRepository(db)
	ctx := context.Background()

	tenantID := uuid.New()
	subscriptionID := uuid.New()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	t.Run("creates the counter on first increment", func(t *testing.T) {
		used, err := repo.Increment(ctx, tenantID, subscriptionID, billing.ResourceAPICall, 400, periodStart, periodEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(400), used)

		counter, err := repo.Find(ctx, subscriptionID, billing.ResourceAPICall)
		require.NoError(t, err)
		assert.Equal(t, tenantID, counter.TenantID)
		assert.Equal(t, int64(400), counter.Used)
		assert.True(t, counter.PeriodStart.Equal(periodStart))
	})

	t.Run("accumulates subsequent increments", func(t *testing.T) {
		used, err := repo.Increment(ctx, tenantID, subscriptionID, billing.ResourceAPICall, 100, periodStart, periodEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(500), used)
	})

	t.Run("tracks resources independently", func(t *testing.T) {
		used, err := repo.Increment(ctx, tenantID, subscriptionID, billing.ResourceSeat, 3, periodStart, periodEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(3), used)
	})
}

func TestUsageCounterRepository_ConcurrentIncrement(t *testing.T) {
	db := setupUsageCounterTestDB(t)
	// The in-memory sqlite database exists per connection, so the pool
	// must stay at one; writes then serialize at the database exactly as
	// they do on postgres.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := NewUsageCounterRepository(db)
	ctx := context.Background()

	tenantID := uuid.New()
	subscriptionID := uuid.New()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	t.Run("parallel increments are never lost", func(t *testing.T) {
		const workers = 16
		errs := make(chan error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Increment(ctx, tenantID, subscriptionID, billing.ResourceAPICall, 1, periodStart, periodEnd)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		counter, err := repo.Find(ctx, subscriptionID, billing.ResourceAPICall)
		require.NoError(t, err)
		assert.Equal(t, int64(workers), counter.Used)
	})
}

func TestUsageCounterRepository_Find(t *testing.T) {
	db := setupUsageCounterTestDB(t)
	repo := NewUsageCounterRepository(db)
	ctx := context.Background()

	t.Run("returns not found for a missing counter", func(t *testing.T) {
		_, err := repo.Find(ctx, uuid.New(), billing.ResourceAPICall)
		assert.Equal(t, shared.ErrNotFound, err)
	})
}

func TestUsageCounterRepository_FindBySubscription(t *testing.T) {
	db := setupUsageCounterTestDB(t)
	repo := NewUsageCounterRepository(db)
	ctx := context.Background()

	tenantID := uuid.New()
	subscriptionID := uuid.New()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	for _, resource := range []billing.ResourceType{billing.ResourceAPICall, billing.ResourceStorageMB, billing.ResourceSeat} {
		_, err := repo.Increment(ctx, tenantID, subscriptionID, resource, 10, periodStart, periodEnd)
		require.NoError(t, err)
	}

	t.Run("returns all counters for the subscription", func(t *testing.T) {
		counters, err := repo.FindBySubscription(ctx, subscriptionID)
		require.NoError(t, err)
		assert.Len(t, counters, 3)
	})

	t.Run("returns empty for another subscription", func(t *testing.T) {
		counters, err := repo.FindBySubscription(ctx, uuid.New())
		require.NoError(t, err)
		assert.Len(t, counters, 0)
	})
}

func TestUsageCounterRepository_ResetForPeriod(t *testing.T) {
	db := setupUsageCounterTestDB(t)
	repo := NewUsageCounterRepository(db)
	ctx := context.Background()

	tenantID := uuid.New()
	subscriptionID := uuid.New()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	_, err := repo.Increment(ctx, tenantID, subscriptionID, billing.ResourceAPICall, 1500, periodStart, periodEnd)
	require.NoError(t, err)

	t.Run("zeroes counters and moves the period", func(t *testing.T) {
		newStart := periodEnd
		newEnd := newStart.AddDate(0, 1, 0)
		err := repo.ResetForPeriod(ctx, subscriptionID, newStart, newEnd)
		require.NoError(t, err)

		counter, err := repo.Find(ctx, subscriptionID, billing.ResourceAPICall)
		require.NoError(t, err)
		assert.Equal(t, int64(0), counter.Used)
		assert.True(t, counter.PeriodStart.Equal(newStart))
		assert.True(t, counter.PeriodEnd.Equal(newEnd))
	})
}

func TestUsageCounterRepository_Save(t *testing.T) {
	db := setupUsageCounterTestDB(t)
	repo := NewUsageCounterRepository(db)
	ctx := context.Background()

	tenantID := uuid.New()
	subscriptionID := uuid.New()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	t.Run("rejects a duplicate counter", func(t *testing.T) {
		counter, err := billing.NewUsageCounter(tenantID, subscriptionID, billing.ResourceAPICall, periodStart, periodEnd)
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, counter))

		duplicate, err := billing.NewUsageCounter(tenantID, subscriptionID, billing.ResourceAPICall, periodStart, periodEnd)
		require.NoError(t, err)
		err = repo.Save(ctx, duplicate)
		assert.Equal(t, shared.ErrAlreadyExists, err)
	})
}
