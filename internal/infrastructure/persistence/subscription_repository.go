package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SubscriptionModel is the GORM model for subscriptions. A scheduled plan
// change is flattened into three nullable columns so it can be queried
// without JSON operators.
type SubscriptionModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID           uuid.UUID `gorm:"type:uuid;not null;index"`
	PlanID             uuid.UUID `gorm:"type:uuid;not null"`
	Status             string    `gorm:"type:varchar(20);not null;index"`
	CurrentPeriodStart time.Time `gorm:"not null"`
	CurrentPeriodEnd   time.Time `gorm:"not null;index"`
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool            `gorm:"not null;default:false"`
	ProviderType       string          `gorm:"type:varchar(20);not null"`
	CustomerRef        string          `gorm:"type:varchar(255);index"`
	ProviderSubRef     string          `gorm:"type:varchar(255);index"`
	SetupFeeBilled     bool            `gorm:"not null;default:false"`
	DeferredProration  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	PendingPlanID      *uuid.UUID      `gorm:"type:uuid"`
	PendingEffectiveAt *time.Time
	PendingProration   *decimal.Decimal `gorm:"type:decimal(18,4)"`
	TaxRate            *decimal.Decimal `gorm:"type:decimal(8,6)"`
	DiscountPercent    *decimal.Decimal `gorm:"type:decimal(8,4)"`
	CancelledAt        *time.Time
	Version            int       `gorm:"not null;default:1"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

// ToEntity converts the model to a domain entity
func (m *SubscriptionModel) ToEntity() *billing.Subscription {
	sub := &billing.Subscription{
		PlanID:             m.PlanID,
		Status:             billing.SubscriptionStatus(m.Status),
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		TrialEnd:           m.TrialEnd,
		CancelAtPeriodEnd:  m.CancelAtPeriodEnd,
		ProviderType:       m.ProviderType,
		CustomerRef:        m.CustomerRef,
		ProviderSubRef:     m.ProviderSubRef,
		SetupFeeBilled:     m.SetupFeeBilled,
		DeferredProration:  m.DeferredProration,
		TaxRate:            m.TaxRate,
		DiscountPercent:    m.DiscountPercent,
		CancelledAt:        m.CancelledAt,
	}
	m.populateTenantAggregate(sub)

	if m.PendingPlanID != nil && m.PendingEffectiveAt != nil {
		proration := decimal.Zero
		if m.PendingProration != nil {
			proration = *m.PendingProration
		}
		sub.PendingChange = &billing.PendingPlanChange{
			PlanID:      *m.PendingPlanID,
			EffectiveAt: *m.PendingEffectiveAt,
			Proration:   proration,
		}
	}
	return sub
}

func (m *SubscriptionModel) populateTenantAggregate(sub *billing.Subscription) {
	sub.ID = m.ID
	sub.CreatedAt = m.CreatedAt
	sub.UpdatedAt = m.UpdatedAt
	sub.Version = m.Version
	sub.TenantID = m.TenantID
}

// SubscriptionModelFromEntity creates a model from a domain entity
func SubscriptionModelFromEntity(e *billing.Subscription) *SubscriptionModel {
	model := &SubscriptionModel{
		ID:                 e.ID,
		TenantID:           e.TenantID,
		PlanID:             e.PlanID,
		Status:             string(e.Status),
		CurrentPeriodStart: e.CurrentPeriodStart,
		CurrentPeriodEnd:   e.CurrentPeriodEnd,
		TrialEnd:           e.TrialEnd,
		CancelAtPeriodEnd:  e.CancelAtPeriodEnd,
		ProviderType:       e.ProviderType,
		CustomerRef:        e.CustomerRef,
		ProviderSubRef:     e.ProviderSubRef,
		SetupFeeBilled:     e.SetupFeeBilled,
		DeferredProration:  e.DeferredProration,
		TaxRate:            e.TaxRate,
		DiscountPercent:    e.DiscountPercent,
		CancelledAt:        e.CancelledAt,
		Version:            e.Version,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}

	if e.PendingChange != nil {
		planID := e.PendingChange.PlanID
		effectiveAt := e.PendingChange.EffectiveAt
		proration := e.PendingChange.Proration
		model.PendingPlanID = &planID
		model.PendingEffectiveAt = &effectiveAt
		model.PendingProration = &proration
	}
	return model
}

// billableStatuses are the states in which cycle passes generate invoices
var billableStatuses = []string{
	string(billing.SubscriptionStatusTrialing),
	string(billing.SubscriptionStatusActive),
	string(billing.SubscriptionStatusPastDue),
}

// SubscriptionRepository implements the billing.SubscriptionRepository
// interface
type SubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Save persists a new subscription. The one-non-cancelled-subscription-
// per-tenant rule is enforced here inside a transaction so two concurrent
// signups cannot both slip past the service-level check.
func (r *SubscriptionRepository) Save(ctx context.Context, sub *billing.Subscription) error {
	model := SubscriptionModelFromEntity(sub)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !sub.IsCancelled() {
			var count int64
			err := tx.Model(&SubscriptionModel{}).
				Where("tenant_id = ? AND status <> ?", sub.TenantID, string(billing.SubscriptionStatusCancelled)).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return shared.ErrAlreadyExists
			}
		}
		return tx.Create(model).Error
	})
}

// Update updates an existing subscription with an optimistic version check
func (r *SubscriptionRepository) Update(ctx context.Context, sub *billing.Subscription) error {
	currentVersion := sub.Version
	sub.IncrementVersion()

	model := SubscriptionModelFromEntity(sub)
	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("id = ? AND version = ?", sub.ID, currentVersion).
		Updates(map[string]any{
			"plan_id":              model.PlanID,
			"status":               model.Status,
			"current_period_start": model.CurrentPeriodStart,
			"current_period_end":   model.CurrentPeriodEnd,
			"trial_end":            model.TrialEnd,
			"cancel_at_period_end": model.CancelAtPeriodEnd,
			"provider_sub_ref":     model.ProviderSubRef,
			"setup_fee_billed":     model.SetupFeeBilled,
			"deferred_proration":   model.DeferredProration,
			"pending_plan_id":      model.PendingPlanID,
			"pending_effective_at": model.PendingEffectiveAt,
			"pending_proration":    model.PendingProration,
			"tax_rate":             model.TaxRate,
			"discount_percent":     model.DiscountPercent,
			"cancelled_at":         model.CancelledAt,
			"version":              model.Version,
			"updated_at":           model.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		r.db.WithContext(ctx).Model(&SubscriptionModel{}).Where("id = ?", sub.ID).Count(&count)
		if count == 0 {
			return shared.ErrNotFound
		}
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID retrieves a subscription by its ID
func (r *SubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	var model SubscriptionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindActiveByTenant retrieves the tenant's non-cancelled subscription
func (r *SubscriptionRepository) FindActiveByTenant(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	var model SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status <> ?", tenantID, string(billing.SubscriptionStatusCancelled)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByProviderSubRef retrieves the subscription carrying the given
// provider-side subscription reference
func (r *SubscriptionRepository) FindByProviderSubRef(ctx context.Context, ref string) (*billing.Subscription, error) {
	if ref == "" {
		return nil, shared.ErrNotFound
	}
	var model SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("provider_sub_ref = ?", ref).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByCustomerRef retrieves the non-cancelled subscription for the
// given provider-side customer reference
func (r *SubscriptionRepository) FindByCustomerRef(ctx context.Context, ref string) (*billing.Subscription, error) {
	if ref == "" {
		return nil, shared.ErrNotFound
	}
	var model SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("customer_ref = ? AND status <> ?", ref, string(billing.SubscriptionStatusCancelled)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindDue retrieves billable subscriptions whose current period has ended
// at or before the given time, oldest period first
func (r *SubscriptionRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	var models []SubscriptionModel
	query := r.db.WithContext(ctx).
		Where("status IN ?", billableStatuses).
		Where("current_period_end <= ?", now).
		Order("current_period_end ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	subs := make([]*billing.Subscription, len(models))
	for i := range models {
		subs[i] = models[i].ToEntity()
	}
	return subs, nil
}

// Ensure SubscriptionRepository implements the interface
var _ billing.SubscriptionRepository = (*SubscriptionRepository)(nil)
