package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageCounterModel is the GORM model for usage counters
type UsageCounterModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID `gorm:"type:uuid;not null;index"`
	SubscriptionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_usage_sub_resource"`
	Resource       string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_usage_sub_resource"`
	Used           int64     `gorm:"not null;default:0"`
	PeriodStart    time.Time `gorm:"not null"`
	PeriodEnd      time.Time `gorm:"not null"`
	Version        int       `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (UsageCounterModel) TableName() string {
	return "usage_counters"
}

// ToEntity converts the model to a domain entity
func (m *UsageCounterModel) ToEntity() *billing.UsageCounter {
	counter := &billing.UsageCounter{
		SubscriptionID: m.SubscriptionID,
		Resource:       billing.ResourceType(m.Resource),
		Used:           m.Used,
		PeriodStart:    m.PeriodStart,
		PeriodEnd:      m.PeriodEnd,
	}
	counter.ID = m.ID
	counter.CreatedAt = m.CreatedAt
	counter.UpdatedAt = m.UpdatedAt
	counter.Version = m.Version
	counter.TenantID = m.TenantID
	return counter
}

// UsageCounterModelFromEntity creates a model from a domain entity
func UsageCounterModelFromEntity(e *billing.UsageCounter) *UsageCounterModel {
	return &UsageCounterModel{
		ID:             e.ID,
		TenantID:       e.TenantID,
		SubscriptionID: e.SubscriptionID,
		Resource:       string(e.Resource),
		Used:           e.Used,
		PeriodStart:    e.PeriodStart,
		PeriodEnd:      e.PeriodEnd,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// UsageCounterRepository implements the billing.UsageCounterRepository
// interface
type UsageCounterRepository struct {
	db *gorm.DB
}

// NewUsageCounterRepository creates a new usage counter repository
func NewUsageCounterRepository(db *gorm.DB) *UsageCounterRepository {
	return &UsageCounterRepository{db: db}
}

// Save persists a new counter
func (r *UsageCounterRepository) Save(ctx context.Context, counter *billing.UsageCounter) error {
	model := UsageCounterModelFromEntity(counter)
	err := r.db.WithContext(ctx).Create(model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.ErrAlreadyExists
	}
	return err
}

// Find retrieves the counter for a subscription and resource
func (r *UsageCounterRepository) Find(ctx context.Context, subscriptionID uuid.UUID, resource billing.ResourceType) (*billing.UsageCounter, error) {
	var model UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND resource = ?", subscriptionID, string(resource)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindBySubscription retrieves all counters for a subscription
func (r *UsageCounterRepository) FindBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*billing.UsageCounter, error) {
	var models []UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("resource ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	counters := make([]*billing.UsageCounter, len(models))
	for i := range models {
		counters[i] = models[i].ToEntity()
	}
	return counters, nil
}

// Increment atomically adds delta to the counter, creating it with the
// given period when missing, and returns the resulting value. The add
// happens inside the upsert so concurrent increments never lose updates.
func (r *UsageCounterRepository) Increment(ctx context.Context, tenantID, subscriptionID uuid.UUID, resource billing.ResourceType, delta int64, periodStart, periodEnd time.Time) (int64, error) {
	counter, err := billing.NewUsageCounter(tenantID, subscriptionID, resource, periodStart, periodEnd)
	if err != nil {
		return 0, err
	}
	counter.Used = delta

	var used int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := UsageCounterModelFromEntity(counter)
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subscription_id"}, {Name: "resource"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"used":       gorm.Expr("usage_counters.used + ?", delta),
				"updated_at": time.Now(),
			}),
		}).Create(model)
		if result.Error != nil {
			return result.Error
		}
		return tx.Model(&UsageCounterModel{}).
			Where("subscription_id = ? AND resource = ?", subscriptionID, string(resource)).
			Select("used").
			Scan(&used).Error
	})
	if err != nil {
		return 0, err
	}
	return used, nil
}

// ResetForPeriod zeroes all counters for a subscription at a period
// boundary
func (r *UsageCounterRepository) ResetForPeriod(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) error {
	return r.db.WithContext(ctx).
		Model(&UsageCounterModel{}).
		Where("subscription_id = ?", subscriptionID).
		Updates(map[string]any{
			"used":         0,
			"period_start": periodStart,
			"period_end":   periodEnd,
			"updated_at":   time.Now(),
		}).Error
}

// Ensure UsageCounterRepository implements the interface
var _ billing.UsageCounterRepository = (*UsageCounterRepository)(nil)
