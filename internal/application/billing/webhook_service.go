package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/payment"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/infrastructure/telemetry"
)

// ErrInvalidWebhookSignature rejects a payload whose signature does not
// verify against the declared provider
var ErrInvalidWebhookSignature = errors.New("webhook: invalid signature")

// WebhookValidator verifies webhook signatures for a declared provider.
// Implemented by the payment Dispatcher; calling it with an unregistered
// provider type panics, since that is a deployment misconfiguration.
type WebhookValidator interface {
	ValidateWebhook(payload []byte, signatureHeader string, providerType payment.ProviderType) bool
}

// WebhookService consumes provider notifications: it verifies the
// signature, deduplicates by provider event id, and maps each event kind
// onto subscription and invoice state.
type WebhookService struct {
	validator  WebhookValidator
	subRepo    billing.SubscriptionRepository
	invRepo    billing.InvoiceRepository
	idempotent shared.IdempotencyStore
	idemTTL    time.Duration
	logger     *zap.Logger
}

// WebhookServiceConfig contains dependencies for WebhookService
type WebhookServiceConfig struct {
	Validator   WebhookValidator
	SubRepo     billing.SubscriptionRepository
	InvoiceRepo billing.InvoiceRepository
	Idempotency shared.IdempotencyStore
	IdemTTL     time.Duration
	Logger      *zap.Logger
}

// NewWebhookService creates a new WebhookService
func NewWebhookService(cfg WebhookServiceConfig) *WebhookService {
	ttl := cfg.IdemTTL
	if ttl <= 0 {
		ttl = shared.DefaultIdempotencyConfig().TTL
	}
	return &WebhookService{
		validator:  cfg.Validator,
		subRepo:    cfg.SubRepo,
		invRepo:    cfg.InvoiceRepo,
		idempotent: cfg.Idempotency,
		idemTTL:    ttl,
		logger:     cfg.Logger,
	}
}

// WebhookResult contains the result of processing a webhook
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventKind string `json:"event_kind"`
	Processed bool   `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// Process validates and applies one provider event. The ingress layer
// hands over the raw payload plus signature header plus the parsed,
// normalized event.
func (s *WebhookService) Process(ctx context.Context, rawPayload []byte, signatureHeader string, event *payment.WebhookEvent) (*WebhookResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "webhook", "process",
		telemetry.WithAttribute(telemetry.SpanAttrPaymentProvider, event.Provider.String()),
		telemetry.WithAttribute(telemetry.SpanAttrProviderRef, event.PaymentRef),
		telemetry.WithAttribute("event_kind", event.Kind.String()))
	defer span.End()

	if !s.validator.ValidateWebhook(rawPayload, signatureHeader, event.Provider) {
		s.logger.Warn("Rejecting webhook with invalid signature",
			zap.String("provider", event.Provider.String()),
			zap.String("event_id", event.ID))
		return nil, ErrInvalidWebhookSignature
	}

	result := &WebhookResult{EventID: event.ID, EventKind: event.Kind.String(), Processed: true}

	if s.idempotent != nil && event.ID != "" {
		fresh, err := s.idempotent.MarkProcessed(ctx, "webhook:"+event.ID, s.idemTTL)
		if err != nil {
			s.logger.Error("Idempotency check failed, processing anyway",
				zap.String("event_id", event.ID), zap.Error(err))
		} else if !fresh {
			result.Processed = false
			result.Message = "duplicate event"
			return result, nil
		}
	}

	s.logger.Info("Processing provider webhook event",
		zap.String("provider", event.Provider.String()),
		zap.String("event_id", event.ID),
		zap.String("event_kind", event.Kind.String()))

	var err error
	switch event.Kind {
	case payment.WebhookInvoicePaymentSucceeded, payment.WebhookPaymentSucceeded:
		err = s.handlePaymentSucceeded(ctx, event)
	case payment.WebhookInvoicePaymentFailed, payment.WebhookPaymentFailed:
		err = s.handlePaymentFailed(ctx, event)
	case payment.WebhookSubscriptionCancelled:
		err = s.handleSubscriptionCancelled(ctx, event)
	case payment.WebhookSubscriptionCreated, payment.WebhookSubscriptionUpdated:
		err = s.handleSubscriptionUpserted(ctx, event)
	default:
		result.Message = "event kind not handled"
	}

	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("Failed to process webhook event",
			zap.String("event_id", event.ID),
			zap.String("event_kind", event.Kind.String()),
			zap.Error(err))
		result.Processed = false
		result.Message = err.Error()
		return result, err
	}
	return result, nil
}

// handlePaymentSucceeded settles the referenced invoice and recovers the
// subscription if it was past_due
func (s *WebhookService) handlePaymentSucceeded(ctx context.Context, event *payment.WebhookEvent) error {
	invoice, err := s.invRepo.FindByProviderRef(ctx, event.PaymentRef)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// Events can reference payments the engine did not initiate,
			// for example charges made directly in the provider dashboard.
			// Acknowledge so the provider stops retrying.
			s.logger.Warn("No invoice for payment reference",
				zap.String("payment_ref", event.PaymentRef))
			return nil
		}
		return fmt.Errorf("failed to find invoice: %w", err)
	}

	if invoice.Status == billing.InvoiceStatusPaid {
		return nil
	}
	paidAt := event.OccurredAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}
	if err := invoice.MarkPaid(event.PaymentRef, paidAt); err != nil {
		return err
	}
	if err := s.invRepo.Update(ctx, invoice); err != nil {
		return fmt.Errorf("failed to persist paid invoice: %w", err)
	}

	sub, err := s.subRepo.FindByID(ctx, invoice.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Status == billing.SubscriptionStatusPastDue {
		if err := sub.MarkActive(); err != nil {
			return err
		}
		if err := s.subRepo.Update(ctx, sub); err != nil {
			return fmt.Errorf("failed to persist subscription recovery: %w", err)
		}
	}
	return nil
}

// handlePaymentFailed marks the referenced invoice failed and moves an
// active subscription to past_due
func (s *WebhookService) handlePaymentFailed(ctx context.Context, event *payment.WebhookEvent) error {
	invoice, err := s.invRepo.FindByProviderRef(ctx, event.PaymentRef)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.logger.Warn("No invoice for payment reference",
				zap.String("payment_ref", event.PaymentRef))
			return nil
		}
		return fmt.Errorf("failed to find invoice: %w", err)
	}

	if invoice.Status.IsPayable() {
		if err := invoice.MarkPaymentFailed(event.PaymentRef); err != nil {
			return err
		}
		if err := s.invRepo.Update(ctx, invoice); err != nil {
			return fmt.Errorf("failed to persist failed invoice: %w", err)
		}
	}

	sub, err := s.subRepo.FindByID(ctx, invoice.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Status == billing.SubscriptionStatusActive {
		if err := sub.MarkPastDue(); err != nil {
			return err
		}
		if err := s.subRepo.Update(ctx, sub); err != nil {
			return fmt.Errorf("failed to persist past_due transition: %w", err)
		}
	}
	return nil
}

// handleSubscriptionCancelled cancels the local subscription when the
// provider reports a cancellation
func (s *WebhookService) handleSubscriptionCancelled(ctx context.Context, event *payment.WebhookEvent) error {
	sub, err := s.findByProviderSubRef(ctx, event)
	if err != nil || sub == nil {
		return err
	}
	if sub.IsCancelled() {
		return nil
	}
	if err := sub.Cancel(time.Now()); err != nil {
		return err
	}
	if err := s.subRepo.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	return nil
}

// handleSubscriptionUpserted records the provider-side subscription
// reference when it was assigned asynchronously. The local subscription
// does not carry the reference yet, so it is resolved through the
// customer reference the event also carries.
func (s *WebhookService) handleSubscriptionUpserted(ctx context.Context, event *payment.WebhookEvent) error {
	if event.SubscriptionRef == "" {
		return nil
	}

	if existing, err := s.subRepo.FindByProviderSubRef(ctx, event.SubscriptionRef); err == nil && existing != nil {
		// Reference already attached, nothing to record
		return nil
	} else if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return fmt.Errorf("failed to find subscription: %w", err)
	}

	sub, err := s.subRepo.FindByCustomerRef(ctx, event.CustomerRef)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// The provider can emit events before local setup completes.
			// Acknowledge so it stops retrying.
			s.logger.Warn("No subscription for customer reference",
				zap.String("customer_ref", event.CustomerRef),
				zap.String("subscription_ref", event.SubscriptionRef))
			return nil
		}
		return fmt.Errorf("failed to find subscription: %w", err)
	}

	sub.SetProviderSubRef(event.SubscriptionRef)
	if err := s.subRepo.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist provider reference: %w", err)
	}
	return nil
}

func (s *WebhookService) findByProviderSubRef(ctx context.Context, event *payment.WebhookEvent) (*billing.Subscription, error) {
	if event.SubscriptionRef == "" {
		return nil, nil
	}
	sub, err := s.subRepo.FindByProviderSubRef(ctx, event.SubscriptionRef)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// The provider can emit events before local setup completes.
			// Acknowledge so it stops retrying.
			s.logger.Warn("No subscription for provider reference",
				zap.String("subscription_ref", event.SubscriptionRef))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}
