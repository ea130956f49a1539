// Package notification delivers billing alerts to tenants. Implementations
// satisfy the application layer's Notifier port; delivery is best effort and
// never blocks or fails the billing operation that triggered it.
package notification

import (
	"context"

	appbilling "github.com/saasbill/backend/internal/application/billing"
	"github.com/saasbill/backend/internal/domain/billing"
	"go.uber.org/zap"
)

// LoggingNotifier emits billing notifications as structured log entries.
// It is the default sink for environments without a message fanout.
type LoggingNotifier struct {
	logger *zap.Logger
}

// NewLoggingNotifier creates a notifier backed by the given logger.
func NewLoggingNotifier(logger *zap.Logger) *LoggingNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingNotifier{logger: logger}
}

func (n *LoggingNotifier) PaymentSucceeded(ctx context.Context, invoice *billing.Invoice) error {
	n.logger.Info("payment succeeded",
		zap.String("tenant_id", invoice.TenantID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.Number),
		zap.String("total", invoice.Total.StringFixed(2)),
		zap.String("currency", string(invoice.Currency)),
		zap.String("provider_ref", invoice.ProviderRef),
	)
	return nil
}

func (n *LoggingNotifier) PaymentFailed(ctx context.Context, invoice *billing.Invoice, reason string) error {
	n.logger.Warn("payment failed",
		zap.String("tenant_id", invoice.TenantID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.Number),
		zap.String("amount_due", invoice.AmountDue.StringFixed(2)),
		zap.String("reason", reason),
	)
	return nil
}

func (n *LoggingNotifier) SubscriptionCancelled(ctx context.Context, sub *billing.Subscription) error {
	n.logger.Info("subscription cancelled",
		zap.String("tenant_id", sub.TenantID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", sub.PlanID.String()),
	)
	return nil
}

var _ appbilling.Notifier = (*LoggingNotifier)(nil)
