package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/saasbill/backend/internal/domain/payment"
)

// StripeAdapter implements the provider port for Stripe
type StripeAdapter struct {
	config *StripeConfig
	logger *zap.Logger
}

// NewStripeAdapter creates a new Stripe adapter
func NewStripeAdapter(config *StripeConfig, logger *zap.Logger) (*StripeAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.InitStripeClient()

	return &StripeAdapter{
		config: config,
		logger: logger,
	}, nil
}

// ProviderType returns the provider identity
func (a *StripeAdapter) ProviderType() payment.ProviderType {
	return payment.ProviderTypeStripe
}

// Charge collects the amount from the customer's stored payment method.
// The idempotency key makes retried dispatches safe on the Stripe side.
func (a *StripeAdapter) Charge(ctx context.Context, req *payment.ChargeRequest) (*payment.ChargeResult, error) {
	a.logger.Debug("Creating Stripe payment intent",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("customer_ref", req.CustomerRef),
		zap.String("amount", req.Amount.String()))

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(toMinorUnits(req.Amount)),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Customer:    stripe.String(req.CustomerRef),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
		Description: stripe.String(req.Description),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	if a.config.StatementDescriptor != "" {
		params.StatementDescriptorSuffix = stripe.String(a.config.StatementDescriptor)
	}

	params.Metadata = map[string]string{
		"tenant_id": req.TenantID.String(),
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		kind, message := classifyStripeError(err)
		a.logger.Warn("Stripe payment intent failed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("error_kind", kind.String()),
			zap.Error(err))
		if kind == payment.ErrorKindProviderUnavailable || kind == payment.ErrorKindUnknown {
			return nil, fmt.Errorf("stripe: charge failed: %w", err)
		}
		return &payment.ChargeResult{
			Success:      false,
			Provider:     payment.ProviderTypeStripe,
			Amount:       req.Amount,
			Currency:     req.Currency,
			ErrorKind:    kind,
			ErrorMessage: message,
			ProcessedAt:  time.Now(),
		}, nil
	}

	result := &payment.ChargeResult{
		Provider:    payment.ProviderTypeStripe,
		PaymentID:   intent.ID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ProcessedAt: time.Now(),
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Success = true
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		result.ErrorKind = payment.ErrorKindCardDeclined
		result.ErrorMessage = "payment method was declined"
	default:
		result.ErrorKind = payment.ErrorKindUnknown
		result.ErrorMessage = fmt.Sprintf("unexpected intent status %s", intent.Status)
	}

	a.logger.Info("Stripe charge processed",
		zap.String("payment_id", intent.ID),
		zap.Bool("success", result.Success),
		zap.String("status", string(intent.Status)))

	return result, nil
}

// Refund returns a previously collected amount to the customer
func (a *StripeAdapter) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (*payment.RefundResult, error) {
	a.logger.Debug("Creating Stripe refund",
		zap.String("payment_id", paymentID),
		zap.String("amount", amount.String()))

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
		Amount:        stripe.Int64(toMinorUnits(amount)),
	}
	params.Context = ctx

	ref, err := refund.New(params)
	if err != nil {
		kind, message := classifyStripeError(err)
		return &payment.RefundResult{
			Provider:  payment.ProviderTypeStripe,
			Amount:    amount,
			ErrorKind: kind,
		}, fmt.Errorf("stripe: refund failed: %s", message)
	}

	a.logger.Info("Stripe refund created",
		zap.String("payment_id", paymentID),
		zap.String("refund_id", ref.ID))

	return &payment.RefundResult{
		Success:  ref.Status == stripe.RefundStatusSucceeded || ref.Status == stripe.RefundStatusPending,
		Provider: payment.ProviderTypeStripe,
		RefundID: ref.ID,
		Amount:   amount,
	}, nil
}

// CreateCustomer registers the tenant with Stripe
func (a *StripeAdapter) CreateCustomer(ctx context.Context, tenantID uuid.UUID, email, name string) (*payment.CustomerResult, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	params.Metadata = map[string]string{
		"tenant_id": tenantID.String(),
	}

	cust, err := customer.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: failed to create customer: %w", err)
	}

	a.logger.Info("Created Stripe customer",
		zap.String("tenant_id", tenantID.String()),
		zap.String("customer_id", cust.ID))

	return &payment.CustomerResult{
		CustomerRef: cust.ID,
		Provider:    payment.ProviderTypeStripe,
	}, nil
}

// CreateSubscription mirrors the local subscription on the Stripe side
func (a *StripeAdapter) CreateSubscription(ctx context.Context, customerRef, priceRef string) (*payment.SubscriptionResult, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceRef)},
		},
	}
	params.Context = ctx
	params.PaymentBehavior = stripe.String("default_incomplete")

	sub, err := subscription.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: failed to create subscription: %w", err)
	}

	a.logger.Info("Created Stripe subscription",
		zap.String("customer_ref", customerRef),
		zap.String("subscription_ref", sub.ID),
		zap.String("status", string(sub.Status)))

	return &payment.SubscriptionResult{
		SubscriptionRef: sub.ID,
		Provider:        payment.ProviderTypeStripe,
		Status:          string(sub.Status),
	}, nil
}

// CancelSubscription cancels the provider-side subscription immediately
func (a *StripeAdapter) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := subscription.Cancel(subscriptionRef, params); err != nil {
		return fmt.Errorf("stripe: failed to cancel subscription: %w", err)
	}

	a.logger.Info("Canceled Stripe subscription",
		zap.String("subscription_ref", subscriptionRef))
	return nil
}

// ValidateWebhookSignature checks the Stripe-Signature header against the
// configured webhook secret
func (a *StripeAdapter) ValidateWebhookSignature(payload []byte, signatureHeader string) bool {
	if a.config.WebhookSecret == "" {
		return false
	}
	_, err := webhook.ConstructEvent(payload, signatureHeader, a.config.WebhookSecret)
	return err == nil
}

// toMinorUnits converts a decimal major-unit amount to integer cents
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// classifyStripeError maps a Stripe API error to a provider-neutral kind
func classifyStripeError(err error) (payment.ErrorKind, string) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return payment.ErrorKindProviderUnavailable, err.Error()
	}

	switch stripeErr.Type {
	case stripe.ErrorTypeCard:
		return payment.ErrorKindCardDeclined, stripeErr.Msg
	case stripe.ErrorTypeInvalidRequest:
		return payment.ErrorKindInvalidRequest, stripeErr.Msg
	case stripe.ErrorTypeAPI:
		return payment.ErrorKindProviderUnavailable, stripeErr.Msg
	}

	if stripeErr.HTTPStatusCode >= 500 {
		return payment.ErrorKindProviderUnavailable, stripeErr.Msg
	}
	return payment.ErrorKindUnknown, stripeErr.Msg
}

// Ensure StripeAdapter implements the provider port
var _ payment.ProviderAdapter = (*StripeAdapter)(nil)
