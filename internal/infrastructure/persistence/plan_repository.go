package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PlanModel is the GORM model for subscription plans
type PlanModel struct {
	ID           uuid.UUID              `gorm:"type:uuid;primaryKey"`
	Name         string                 `gorm:"type:varchar(100);not null;uniqueIndex"`
	Description  string                 `gorm:"type:text"`
	PriceAmount  decimal.Decimal        `gorm:"type:decimal(18,4);not null"`
	Currency     string                 `gorm:"type:varchar(3);not null;default:'USD'"`
	Cycle        string                 `gorm:"type:varchar(20);not null"`
	TrialDays    int                    `gorm:"not null;default:0"`
	SetupFee     decimal.Decimal        `gorm:"type:decimal(18,4);not null;default:0"`
	Features     billing.FeatureMap     `gorm:"type:jsonb"`
	Quotas       billing.QuotaMap       `gorm:"type:jsonb"`
	OverageRates billing.OverageRateMap `gorm:"type:jsonb"`
	IsActive     bool                   `gorm:"not null"`
	Version      int                    `gorm:"not null;default:1"`
	CreatedAt    time.Time              `gorm:"not null"`
	UpdatedAt    time.Time              `gorm:"not null"`
}

// TableName returns the table name for the model
func (PlanModel) TableName() string {
	return "plans"
}

// ToEntity converts the model to a domain entity
func (m *PlanModel) ToEntity() *billing.Plan {
	currency := valueobject.Currency(m.Currency)
	price, _ := valueobject.NewMoney(m.PriceAmount, currency)
	setupFee, _ := valueobject.NewMoney(m.SetupFee, currency)

	return &billing.Plan{
		BaseAggregateRoot: shared.BaseAggregateRoot{
			BaseEntity: shared.BaseEntity{
				ID:        m.ID,
				CreatedAt: m.CreatedAt,
				UpdatedAt: m.UpdatedAt,
			},
			Version: m.Version,
		},
		Name:         m.Name,
		Description:  m.Description,
		Price:        price,
		Cycle:        billing.BillingCycle(m.Cycle),
		TrialDays:    m.TrialDays,
		SetupFee:     setupFee,
		Features:     m.Features,
		Quotas:       m.Quotas,
		OverageRates: m.OverageRates,
		IsActive:     m.IsActive,
	}
}

// PlanModelFromEntity creates a model from a domain entity
func PlanModelFromEntity(e *billing.Plan) *PlanModel {
	return &PlanModel{
		ID:           e.ID,
		Name:         e.Name,
		Description:  e.Description,
		PriceAmount:  e.Price.Amount(),
		Currency:     string(e.Price.Currency()),
		Cycle:        string(e.Cycle),
		TrialDays:    e.TrialDays,
		SetupFee:     e.SetupFee.Amount(),
		Features:     e.Features,
		Quotas:       e.Quotas,
		OverageRates: e.OverageRates,
		IsActive:     e.IsActive,
		Version:      e.Version,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

// PlanRepository implements the billing.PlanRepository interface
type PlanRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Save persists a new plan
func (r *PlanRepository) Save(ctx context.Context, plan *billing.Plan) error {
	model := PlanModelFromEntity(plan)
	err := r.db.WithContext(ctx).Create(model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.ErrAlreadyExists
	}
	return err
}

// Update updates an existing plan with an optimistic version check
func (r *PlanRepository) Update(ctx context.Context, plan *billing.Plan) error {
	currentVersion := plan.Version
	plan.IncrementVersion()

	model := PlanModelFromEntity(plan)
	result := r.db.WithContext(ctx).
		Model(&PlanModel{}).
		Where("id = ? AND version = ?", plan.ID, currentVersion).
		Updates(map[string]any{
			"description":   model.Description,
			"trial_days":    model.TrialDays,
			"features":      model.Features,
			"quotas":        model.Quotas,
			"overage_rates": model.OverageRates,
			"is_active":     model.IsActive,
			"version":       model.Version,
			"updated_at":    model.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID retrieves a plan by its ID
func (r *PlanRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Plan, error) {
	var model PlanModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByName retrieves a plan by its unique name
func (r *PlanRepository) FindByName(ctx context.Context, name string) (*billing.Plan, error) {
	var model PlanModel
	if err := r.db.WithContext(ctx).First(&model, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindActive retrieves all plans available for new subscriptions
func (r *PlanRepository) FindActive(ctx context.Context) ([]*billing.Plan, error) {
	var models []PlanModel
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("name ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	plans := make([]*billing.Plan, len(models))
	for i := range models {
		plans[i] = models[i].ToEntity()
	}
	return plans, nil
}

// Ensure PlanRepository implements the interface
var _ billing.PlanRepository = (*PlanRepository)(nil)
