package billing

import (
	"context"

	"github.com/saasbill/backend/internal/domain/billing"
)

// Notifier delivers billing alerts to tenants. Delivery is fire and
// forget: a notification failure must never fail the billing operation
// that triggered it, so callers log errors and move on.
type Notifier interface {
	// PaymentSucceeded announces a settled invoice
	PaymentSucceeded(ctx context.Context, invoice *billing.Invoice) error

	// PaymentFailed announces a terminal payment failure with the
	// provider's reason
	PaymentFailed(ctx context.Context, invoice *billing.Invoice, reason string) error

	// SubscriptionCancelled announces a cancellation
	SubscriptionCancelled(ctx context.Context, sub *billing.Subscription) error
}
