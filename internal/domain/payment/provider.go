package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Provider Errors
// ---------------------------------------------------------------------------

var (
	// Charge request errors
	ErrChargeInvalidTenantID    = errors.New("charge: invalid tenant ID")
	ErrChargeInvalidAmount      = errors.New("charge: invalid charge amount")
	ErrChargeInvalidCurrency    = errors.New("charge: unsupported currency")
	ErrChargeInvalidCustomerRef = errors.New("charge: invalid customer reference")
	ErrChargeMissingIdempotency = errors.New("charge: missing idempotency key")

	// Refund errors
	ErrRefundInvalidPaymentID = errors.New("refund: invalid payment reference")
	ErrRefundInvalidAmount    = errors.New("refund: invalid refund amount")

	// Provider errors
	ErrProviderNotConfigured = errors.New("provider: not configured")
	ErrProviderUnavailable   = errors.New("provider: temporarily unavailable")
	ErrProviderNoneActive    = errors.New("provider: no active provider registered")
)

// ProviderType identifies an external payment provider
type ProviderType string

const (
	// ProviderTypeStripe represents the Stripe payment network
	ProviderTypeStripe ProviderType = "stripe"
	// ProviderTypeAlipay represents the Alipay payment network
	ProviderTypeAlipay ProviderType = "alipay"
)

// IsValid returns true if the provider type is valid
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderTypeStripe, ProviderTypeAlipay:
		return true
	default:
		return false
	}
}

// String returns the string representation of ProviderType
func (t ProviderType) String() string {
	return string(t)
}

// ErrorKind classifies a failed payment attempt. The kind drives the
// dispatcher's failover decision: only provider-level failures are
// eligible for a fallback attempt.
type ErrorKind string

const (
	// ErrorKindNone indicates the attempt succeeded
	ErrorKindNone ErrorKind = ""

	// ErrorKindProviderUnavailable indicates a transient provider outage;
	// eligible for fallback
	ErrorKindProviderUnavailable ErrorKind = "provider_unavailable"

	// ErrorKindCardDeclined indicates the instrument was declined;
	// terminal for this attempt, never retried within the same call
	ErrorKindCardDeclined ErrorKind = "card_declined"

	// ErrorKindFraudDeclined indicates the fraud gate stopped the request
	// before any provider call
	ErrorKindFraudDeclined ErrorKind = "fraud_declined"

	// ErrorKindInvalidRequest indicates a caller error such as an
	// unsupported currency
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindUnknown indicates an unclassified provider failure
	ErrorKindUnknown ErrorKind = "unknown"
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	return string(k)
}

// Retriable returns true if the failure may be retried on a different
// provider within the same dispatch
func (k ErrorKind) Retriable() bool {
	return k == ErrorKindProviderUnavailable || k == ErrorKindUnknown
}

// ---------------------------------------------------------------------------
// Request/Result DTOs
// ---------------------------------------------------------------------------

// ChargeRequest represents a request to charge a customer
type ChargeRequest struct {
	// TenantID is the tenant being billed
	TenantID uuid.UUID
	// Amount is the charge amount
	Amount decimal.Decimal
	// Currency is the three-letter charge currency
	Currency string
	// CustomerRef is the provider-side customer identifier
	CustomerRef string
	// IdempotencyKey makes retried charges safe against double billing
	IdempotencyKey string
	// Description is shown on the customer's statement where supported
	Description string
	// Metadata is additional key-value data attached to the charge.
	// The fraud screener reads velocity and risk signals from here.
	Metadata map[string]string
}

// Validate validates the charge request
func (r *ChargeRequest) Validate() error {
	if r.TenantID == uuid.Nil {
		return ErrChargeInvalidTenantID
	}
	if r.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrChargeInvalidAmount
	}
	if len(r.Currency) != 3 {
		return ErrChargeInvalidCurrency
	}
	if r.CustomerRef == "" {
		return ErrChargeInvalidCustomerRef
	}
	if r.IdempotencyKey == "" {
		return ErrChargeMissingIdempotency
	}
	return nil
}

// IsHighRisk reports whether the caller flagged this request as high risk
func (r *ChargeRequest) IsHighRisk() bool {
	return r.Metadata["isHighRisk"] == "true"
}

// ChargeResult represents the outcome of a single charge attempt
type ChargeResult struct {
	// Success indicates whether the charge settled
	Success bool
	// Provider identifies which provider handled the attempt
	Provider ProviderType
	// PaymentID is the provider-side payment identifier
	PaymentID string
	// Amount is the charged amount
	Amount decimal.Decimal
	// Currency is the charge currency
	Currency string
	// ErrorKind classifies the failure when Success is false
	ErrorKind ErrorKind
	// ErrorMessage carries the provider's failure detail
	ErrorMessage string
	// ProcessedAt is when the provider responded
	ProcessedAt time.Time
}

// RefundResult represents the outcome of a refund request
type RefundResult struct {
	// Success indicates whether the refund was accepted
	Success bool
	// Provider identifies which provider handled the refund
	Provider ProviderType
	// RefundID is the provider-side refund identifier
	RefundID string
	// Amount is the refunded amount
	Amount decimal.Decimal
	// ErrorKind classifies the failure when Success is false
	ErrorKind ErrorKind
	// ErrorMessage carries the provider's failure detail
	ErrorMessage string
}

// CustomerResult represents a provider-side customer record
type CustomerResult struct {
	// CustomerRef is the provider-side customer identifier
	CustomerRef string
	// Provider identifies the owning provider
	Provider ProviderType
}

// SubscriptionResult represents a provider-side subscription record
type SubscriptionResult struct {
	// SubscriptionRef is the provider-side subscription identifier
	SubscriptionRef string
	// Provider identifies the owning provider
	Provider ProviderType
	// Status is the provider's view of the subscription state
	Status string
}

// ---------------------------------------------------------------------------
// ProviderAdapter Port Interface
// ---------------------------------------------------------------------------

// ProviderAdapter defines the port interface for external payment
// providers. It is defined in the domain layer following the Ports &
// Adapters pattern; concrete implementations (Stripe, Alipay) live in
// the infrastructure layer. Adapters hold credentials injected at
// construction and share no mutable state between calls.
type ProviderAdapter interface {
	// ProviderType returns the type of this provider
	ProviderType() ProviderType

	// Charge attempts to collect the requested amount. Retrying with the
	// same idempotency key must never double-charge.
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)

	// Refund returns funds for a prior payment. A zero amount refunds
	// the full payment.
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (*RefundResult, error)

	// CreateCustomer registers a customer with the provider
	CreateCustomer(ctx context.Context, tenantID uuid.UUID, email, name string) (*CustomerResult, error)

	// CreateSubscription creates a provider-side subscription for a
	// customer on an external price reference
	CreateSubscription(ctx context.Context, customerRef, priceRef string) (*SubscriptionResult, error)

	// CancelSubscription cancels a provider-side subscription
	CancelSubscription(ctx context.Context, subscriptionRef string) error

	// ValidateWebhookSignature verifies a webhook payload against its
	// signature header. Pure and side-effect free; malformed input
	// returns false, never an error.
	ValidateWebhookSignature(payload []byte, signatureHeader string) bool
}
