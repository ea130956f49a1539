package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// WebhookEventKind enumerates the provider events the engine consumes
type WebhookEventKind string

const (
	WebhookPaymentSucceeded        WebhookEventKind = "payment.succeeded"
	WebhookPaymentFailed           WebhookEventKind = "payment.failed"
	WebhookSubscriptionCreated     WebhookEventKind = "subscription.created"
	WebhookSubscriptionUpdated     WebhookEventKind = "subscription.updated"
	WebhookSubscriptionCancelled   WebhookEventKind = "subscription.cancelled"
	WebhookInvoicePaymentSucceeded WebhookEventKind = "invoice.payment_succeeded"
	WebhookInvoicePaymentFailed    WebhookEventKind = "invoice.payment_failed"
)

// IsValid returns true if the event kind is consumed by the engine
func (k WebhookEventKind) IsValid() bool {
	switch k {
	case WebhookPaymentSucceeded, WebhookPaymentFailed,
		WebhookSubscriptionCreated, WebhookSubscriptionUpdated, WebhookSubscriptionCancelled,
		WebhookInvoicePaymentSucceeded, WebhookInvoicePaymentFailed:
		return true
	}
	return false
}

// String returns the string representation of WebhookEventKind
func (k WebhookEventKind) String() string {
	return string(k)
}

// WebhookEvent is a provider notification after parsing and signature
// validation. The ingress layer hands the engine the raw payload plus
// signature; the engine validates via the provider adapter and then
// consumes this normalized form.
type WebhookEvent struct {
	// ID is the provider's event identifier, used for dedup
	ID string
	// Kind classifies the event
	Kind WebhookEventKind
	// Provider identifies the emitting provider
	Provider ProviderType
	// PaymentRef is the provider-side payment identifier, when present
	PaymentRef string
	// SubscriptionRef is the provider-side subscription identifier,
	// when present
	SubscriptionRef string
	// CustomerRef is the provider-side customer identifier, when present
	CustomerRef string
	// Amount is the monetary amount carried by the event, when present
	Amount decimal.Decimal
	// Currency is the amount's currency
	Currency string
	// OccurredAt is the provider's event timestamp
	OccurredAt time.Time
}
