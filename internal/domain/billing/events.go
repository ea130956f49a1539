package billing

import (
	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Event types emitted by the billing domain
const (
	EventSubscriptionCreated     = "billing.subscription.created"
	EventSubscriptionActivated   = "billing.subscription.activated"
	EventSubscriptionPastDue     = "billing.subscription.past_due"
	EventSubscriptionCancelled   = "billing.subscription.cancelled"
	EventSubscriptionPlanChanged = "billing.subscription.plan_changed"
	EventInvoicePaid             = "billing.invoice.paid"
	EventInvoicePaymentFailed    = "billing.invoice.payment_failed"
)

// SubscriptionCreatedEvent is emitted when a tenant signs up for a plan
type SubscriptionCreatedEvent struct {
	shared.BaseDomainEvent
	PlanID       uuid.UUID          `json:"plan_id"`
	Status       SubscriptionStatus `json:"status"`
	ProviderType string             `json:"provider_type"`
}

// NewSubscriptionCreatedEvent creates a SubscriptionCreatedEvent
func NewSubscriptionCreatedEvent(sub *Subscription) *SubscriptionCreatedEvent {
	return &SubscriptionCreatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventSubscriptionCreated, "Subscription", sub.GetID(), sub.TenantID),
		PlanID:          sub.PlanID,
		Status:          sub.Status,
		ProviderType:    sub.ProviderType,
	}
}

// SubscriptionActivatedEvent is emitted when a subscription becomes active,
// either on trial conversion or on recovery from past_due
type SubscriptionActivatedEvent struct {
	shared.BaseDomainEvent
	PlanID uuid.UUID `json:"plan_id"`
}

// NewSubscriptionActivatedEvent creates a SubscriptionActivatedEvent
func NewSubscriptionActivatedEvent(sub *Subscription) *SubscriptionActivatedEvent {
	return &SubscriptionActivatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventSubscriptionActivated, "Subscription", sub.GetID(), sub.TenantID),
		PlanID:          sub.PlanID,
	}
}

// SubscriptionPastDueEvent is emitted when an invoice payment fails
type SubscriptionPastDueEvent struct {
	shared.BaseDomainEvent
	PlanID uuid.UUID `json:"plan_id"`
}

// NewSubscriptionPastDueEvent creates a SubscriptionPastDueEvent
func NewSubscriptionPastDueEvent(sub *Subscription) *SubscriptionPastDueEvent {
	return &SubscriptionPastDueEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventSubscriptionPastDue, "Subscription", sub.GetID(), sub.TenantID),
		PlanID:          sub.PlanID,
	}
}

// SubscriptionCancelledEvent is emitted on the terminal transition
type SubscriptionCancelledEvent struct {
	shared.BaseDomainEvent
	PlanID uuid.UUID `json:"plan_id"`
}

// NewSubscriptionCancelledEvent creates a SubscriptionCancelledEvent
func NewSubscriptionCancelledEvent(sub *Subscription) *SubscriptionCancelledEvent {
	return &SubscriptionCancelledEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventSubscriptionCancelled, "Subscription", sub.GetID(), sub.TenantID),
		PlanID:          sub.PlanID,
	}
}

// SubscriptionPlanChangedEvent is emitted on upgrade or downgrade
type SubscriptionPlanChangedEvent struct {
	shared.BaseDomainEvent
	PreviousPlanID uuid.UUID `json:"previous_plan_id"`
	NewPlanID      uuid.UUID `json:"new_plan_id"`
}

// NewSubscriptionPlanChangedEvent creates a SubscriptionPlanChangedEvent
func NewSubscriptionPlanChangedEvent(sub *Subscription, previous, next uuid.UUID) *SubscriptionPlanChangedEvent {
	return &SubscriptionPlanChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventSubscriptionPlanChanged, "Subscription", sub.GetID(), sub.TenantID),
		PreviousPlanID:  previous,
		NewPlanID:       next,
	}
}

// InvoicePaidEvent is emitted when an invoice settles
type InvoicePaidEvent struct {
	shared.BaseDomainEvent
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	Number         string          `json:"number"`
	Total          decimal.Decimal `json:"total"`
	ProviderRef    string          `json:"provider_ref"`
}

// NewInvoicePaidEvent creates an InvoicePaidEvent
func NewInvoicePaidEvent(inv *Invoice) *InvoicePaidEvent {
	return &InvoicePaidEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventInvoicePaid, "Invoice", inv.GetID(), inv.TenantID),
		SubscriptionID:  inv.SubscriptionID,
		Number:          inv.Number,
		Total:           inv.Total,
		ProviderRef:     inv.ProviderRef,
	}
}

// InvoicePaymentFailedEvent is emitted when a payment attempt fails
type InvoicePaymentFailedEvent struct {
	shared.BaseDomainEvent
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	Number         string          `json:"number"`
	AmountDue      decimal.Decimal `json:"amount_due"`
}

// NewInvoicePaymentFailedEvent creates an InvoicePaymentFailedEvent
func NewInvoicePaymentFailedEvent(inv *Invoice) *InvoicePaymentFailedEvent {
	return &InvoicePaymentFailedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventInvoicePaymentFailed, "Invoice", inv.GetID(), inv.TenantID),
		SubscriptionID:  inv.SubscriptionID,
		Number:          inv.Number,
		AmountDue:       inv.AmountDue,
	}
}
