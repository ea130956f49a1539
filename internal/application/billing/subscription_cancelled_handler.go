package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
)

// SubscriptionCancelledHandler handles SubscriptionCancelledEvent by
// zeroing the subscription's usage counters. Counters for a cancelled
// subscription would otherwise keep their accumulated values and leak
// into overage billing if the tenant re-subscribes within the same
// period.
type SubscriptionCancelledHandler struct {
	usageRepo billing.UsageCounterRepository
	logger    *zap.Logger
}

// NewSubscriptionCancelledHandler creates a new handler for subscription cancelled events
func NewSubscriptionCancelledHandler(
	usageRepo billing.UsageCounterRepository,
	logger *zap.Logger,
) *SubscriptionCancelledHandler {
	return &SubscriptionCancelledHandler{
		usageRepo: usageRepo,
		logger:    logger,
	}
}

// EventTypes returns the event types this handler is interested in
func (h *SubscriptionCancelledHandler) EventTypes() []string {
	return []string{billing.EventSubscriptionCancelled}
}

// Handle processes a SubscriptionCancelledEvent
func (h *SubscriptionCancelledHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	cancelledEvent, ok := event.(*billing.SubscriptionCancelledEvent)
	if !ok {
		h.logger.Error("unexpected event type",
			zap.String("expected", billing.EventSubscriptionCancelled),
			zap.String("actual", event.EventType()),
		)
		return fmt.Errorf("unexpected event type: expected %s, got %s",
			billing.EventSubscriptionCancelled, event.EventType())
	}

	subscriptionID := cancelledEvent.AggregateID()
	h.logger.Info("processing subscription cancelled event",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("tenant_id", cancelledEvent.TenantID().String()),
	)

	counters, err := h.usageRepo.FindBySubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load usage counters: %w", err)
	}

	// Counters share the subscription's current period, but reset by each
	// counter's own window in case an older period is still lingering
	seen := make(map[string]bool)
	for _, counter := range counters {
		key := counter.PeriodStart.String() + counter.PeriodEnd.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := h.usageRepo.ResetForPeriod(ctx, subscriptionID, counter.PeriodStart, counter.PeriodEnd); err != nil {
			return fmt.Errorf("failed to reset usage counters: %w", err)
		}
	}

	h.logger.Info("usage counters reset after cancellation",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("counters", len(counters)),
	)
	return nil
}
