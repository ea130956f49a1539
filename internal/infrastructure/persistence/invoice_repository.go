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
	"gorm.io/gorm/clause"
)

// InvoiceModel is the GORM model for invoices. The composite unique index
// over subscription and period makes double billing a constraint violation
// rather than a race.
type InvoiceModel struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID         `gorm:"type:uuid;not null;index"`
	SubscriptionID uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_invoice_sub_period"`
	Number         string            `gorm:"type:varchar(50);not null"`
	Status         string            `gorm:"type:varchar(20);not null;index"`
	Currency       string            `gorm:"type:varchar(3);not null;default:'USD'"`
	LineItems      billing.LineItems `gorm:"type:jsonb"`
	Subtotal       decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0"`
	Tax            decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0"`
	Discount       decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0"`
	Total          decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0"`
	AmountPaid     decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0"`
	AmountDue      decimal.Decimal   `gorm:"type:decimal(18,4);not null;default:0"`
	DueDate        time.Time         `gorm:"not null"`
	PaidAt         *time.Time
	PeriodStart    time.Time `gorm:"not null;uniqueIndex:idx_invoice_sub_period"`
	PeriodEnd      time.Time `gorm:"not null;uniqueIndex:idx_invoice_sub_period"`
	ProviderRef    string    `gorm:"type:varchar(255);index"`
	Version        int       `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (InvoiceModel) TableName() string {
	return "invoices"
}

// ToEntity converts the model to a domain entity
func (m *InvoiceModel) ToEntity() *billing.Invoice {
	inv := &billing.Invoice{
		SubscriptionID: m.SubscriptionID,
		Number:         m.Number,
		Status:         billing.InvoiceStatus(m.Status),
		Currency:       valueobject.Currency(m.Currency),
		LineItems:      m.LineItems,
		Subtotal:       m.Subtotal,
		Tax:            m.Tax,
		Discount:       m.Discount,
		Total:          m.Total,
		AmountPaid:     m.AmountPaid,
		AmountDue:      m.AmountDue,
		DueDate:        m.DueDate,
		PaidAt:         m.PaidAt,
		PeriodStart:    m.PeriodStart,
		PeriodEnd:      m.PeriodEnd,
		ProviderRef:    m.ProviderRef,
	}
	inv.ID = m.ID
	inv.CreatedAt = m.CreatedAt
	inv.UpdatedAt = m.UpdatedAt
	inv.Version = m.Version
	inv.TenantID = m.TenantID
	return inv
}

// InvoiceModelFromEntity creates a model from a domain entity
func InvoiceModelFromEntity(e *billing.Invoice) *InvoiceModel {
	return &InvoiceModel{
		ID:             e.ID,
		TenantID:       e.TenantID,
		SubscriptionID: e.SubscriptionID,
		Number:         e.Number,
		Status:         string(e.Status),
		Currency:       string(e.Currency),
		LineItems:      e.LineItems,
		Subtotal:       e.Subtotal,
		Tax:            e.Tax,
		Discount:       e.Discount,
		Total:          e.Total,
		AmountPaid:     e.AmountPaid,
		AmountDue:      e.AmountDue,
		DueDate:        e.DueDate,
		PaidAt:         e.PaidAt,
		PeriodStart:    e.PeriodStart,
		PeriodEnd:      e.PeriodEnd,
		ProviderRef:    e.ProviderRef,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// InvoiceSequenceModel holds the per-tenant invoice number counter
type InvoiceSequenceModel struct {
	TenantID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq      int64     `gorm:"not null;default:0"`
}

// TableName returns the table name for the model
func (InvoiceSequenceModel) TableName() string {
	return "invoice_sequences"
}

// payableStatuses are the invoice states a payment attempt may target
var payableStatuses = []string{
	string(billing.InvoiceStatusOpen),
	string(billing.InvoiceStatusPaymentFailed),
}

// InvoiceRepository implements the billing.InvoiceRepository interface
type InvoiceRepository struct {
	db *gorm.DB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Save persists a new invoice. A second invoice for the same subscription
// and period violates idx_invoice_sub_period and comes back as
// shared.ErrAlreadyExists.
func (r *InvoiceRepository) Save(ctx context.Context, inv *billing.Invoice) error {
	model := InvoiceModelFromEntity(inv)
	err := r.db.WithContext(ctx).Create(model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.ErrAlreadyExists
	}
	return err
}

// Update updates an existing invoice with an optimistic version check
func (r *InvoiceRepository) Update(ctx context.Context, inv *billing.Invoice) error {
	currentVersion := inv.Version
	inv.IncrementVersion()

	model := InvoiceModelFromEntity(inv)
	result := r.db.WithContext(ctx).
		Model(&InvoiceModel{}).
		Where("id = ? AND version = ?", inv.ID, currentVersion).
		Updates(map[string]any{
			"status":       model.Status,
			"line_items":   model.LineItems,
			"subtotal":     model.Subtotal,
			"tax":          model.Tax,
			"discount":     model.Discount,
			"total":        model.Total,
			"amount_paid":  model.AmountPaid,
			"amount_due":   model.AmountDue,
			"paid_at":      model.PaidAt,
			"provider_ref": model.ProviderRef,
			"version":      model.Version,
			"updated_at":   model.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		r.db.WithContext(ctx).Model(&InvoiceModel{}).Where("id = ?", inv.ID).Count(&count)
		if count == 0 {
			return shared.ErrNotFound
		}
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID retrieves an invoice by its ID
func (r *InvoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	var model InvoiceModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByPeriod retrieves the invoice covering the exact period window for
// a subscription
func (r *InvoiceRepository) FindByPeriod(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*billing.Invoice, error) {
	var model InvoiceModel
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND period_start = ? AND period_end = ?", subscriptionID, periodStart, periodEnd).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindOpenBySubscription retrieves payable invoices for a subscription,
// oldest first
func (r *InvoiceRepository) FindOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*billing.Invoice, error) {
	var models []InvoiceModel
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND status IN ?", subscriptionID, payableStatuses).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	invoices := make([]*billing.Invoice, len(models))
	for i := range models {
		invoices[i] = models[i].ToEntity()
	}
	return invoices, nil
}

// FindByProviderRef retrieves an invoice by its external payment reference
func (r *InvoiceRepository) FindByProviderRef(ctx context.Context, providerRef string) (*billing.Invoice, error) {
	if providerRef == "" {
		return nil, shared.ErrNotFound
	}
	var model InvoiceModel
	err := r.db.WithContext(ctx).
		Where("provider_ref = ?", providerRef).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByTenantInRange retrieves invoices issued to a tenant within a time
// range, ordered by creation time
func (r *InvoiceRepository) FindByTenantInRange(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*billing.Invoice, error) {
	var models []InvoiceModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ? AND created_at < ?", tenantID, start, end).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	invoices := make([]*billing.Invoice, len(models))
	for i := range models {
		invoices[i] = models[i].ToEntity()
	}
	return invoices, nil
}

// NextNumber reserves the next monotonic invoice sequence number for a
// tenant. The upsert and the read run in one transaction so concurrent
// reservations never observe the same value.
func (r *InvoiceRepository) NextNumber(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var next int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq := InvoiceSequenceModel{TenantID: tenantID, Seq: 1}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"seq": gorm.Expr("invoice_sequences.seq + 1")}),
		}).Create(&seq)
		if result.Error != nil {
			return result.Error
		}
		return tx.Model(&InvoiceSequenceModel{}).
			Where("tenant_id = ?", tenantID).
			Select("seq").
			Scan(&next).Error
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Ensure InvoiceRepository implements the interface
var _ billing.InvoiceRepository = (*InvoiceRepository)(nil)
