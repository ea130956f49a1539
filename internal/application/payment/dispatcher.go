package payment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"go.opentelemetry.io/otel/trace"

	"github.com/saasbill/backend/internal/domain/payment"
	"github.com/saasbill/backend/internal/infrastructure/telemetry"
)

// ProviderRegistration binds an adapter to its dispatch configuration
type ProviderRegistration struct {
	// Adapter is the provider implementation
	Adapter payment.ProviderAdapter
	// Priority orders dispatch; lower numbers are tried first
	Priority int
	// IsActive excludes the provider from dispatch when false
	IsActive bool
}

// DispatcherConfig contains configuration for the Dispatcher
type DispatcherConfig struct {
	// ChargeTimeout bounds how long a single provider call may block.
	// A timeout is treated as a provider failure eligible for fallback.
	ChargeTimeout time.Duration
}

// Dispatcher routes payment attempts across the registered providers.
// Every request passes the fraud gate before any provider is called;
// provider-level failures fail over to the next-priority provider
// exactly once.
type Dispatcher struct {
	providers     []ProviderRegistration
	screener      *payment.FraudScreener
	logger        *zap.Logger
	chargeTimeout time.Duration
}

// NewDispatcher creates a dispatcher over the given registrations.
// Inactive entries are dropped and the rest sorted by priority at
// construction time, so dispatch order is fixed for the process lifetime.
func NewDispatcher(
	registrations []ProviderRegistration,
	screener *payment.FraudScreener,
	cfg DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	active := make([]ProviderRegistration, 0, len(registrations))
	for _, reg := range registrations {
		if reg.IsActive && reg.Adapter != nil {
			active = append(active, reg)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})

	timeout := cfg.ChargeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Dispatcher{
		providers:     active,
		screener:      screener,
		logger:        logger,
		chargeTimeout: timeout,
	}
}

// ActiveProviders returns the provider types in dispatch order
func (d *Dispatcher) ActiveProviders() []payment.ProviderType {
	types := make([]payment.ProviderType, 0, len(d.providers))
	for _, reg := range d.providers {
		types = append(types, reg.Adapter.ProviderType())
	}
	return types
}

// ProcessPayment screens the request, charges the preferred or
// highest-priority provider, and fails over once on a provider-level
// failure. Fraud declines and invalid requests come back as failure
// results, not errors; they are expected outcomes on the hot path.
func (d *Dispatcher) ProcessPayment(ctx context.Context, req *payment.ChargeRequest, preferred payment.ProviderType) (*payment.ChargeResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "payment", "charge",
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, req.TenantID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrAmount, req.Amount.String()))
	defer span.End()

	if err := req.Validate(); err != nil {
		d.logger.Warn("Rejecting invalid charge request",
			zap.String("tenant_id", req.TenantID.String()),
			zap.Error(err))
		return failureResult(req, "", payment.ErrorKindInvalidRequest, err.Error()), nil
	}

	if assessment := d.screener.Assess(req); assessment.Declined() {
		d.logger.Warn("Fraud screening declined payment",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("amount", req.Amount.String()),
			zap.Int("risk_score", assessment.Score),
			zap.Strings("reasons", assessment.Reasons))
		return failureResult(req, "", payment.ErrorKindFraudDeclined, "declined by fraud screening"), nil
	}

	primary := d.selectProvider(preferred)
	if primary == nil {
		return nil, payment.ErrProviderNoneActive
	}

	result := d.charge(ctx, primary, req)
	if result.Success || !result.ErrorKind.Retriable() {
		telemetry.SetAttributes(span, telemetry.SpanAttrPaymentProvider, result.Provider.String())
		return result, nil
	}

	// Exactly one fallback hop. More would stretch latency and make
	// double-charge ambiguity across providers unmanageable.
	fallback := d.nextProvider(primary.ProviderType())
	if fallback == nil {
		return result, nil
	}

	d.logger.Info("Failing over to fallback provider",
		zap.String("primary", primary.ProviderType().String()),
		zap.String("fallback", fallback.ProviderType().String()),
		zap.String("error_kind", result.ErrorKind.String()))
	telemetry.AddEvent(span, "provider_failover",
		"primary", primary.ProviderType().String(),
		"fallback", fallback.ProviderType().String(),
		"error_kind", result.ErrorKind.String())

	fallbackResult := d.charge(ctx, fallback, req)
	if fallbackResult.Success {
		return fallbackResult, nil
	}
	// Report the original failure reason when both attempts fail
	return result, nil
}

// Refund routes a refund to the named provider
func (d *Dispatcher) Refund(ctx context.Context, providerType payment.ProviderType, paymentID string, amount decimal.Decimal) (*payment.RefundResult, error) {
	adapter := d.find(providerType)
	if adapter == nil {
		return nil, fmt.Errorf("%w: %s", payment.ErrProviderNotConfigured, providerType)
	}

	ctx, cancel := context.WithTimeout(ctx, d.chargeTimeout)
	defer cancel()
	return adapter.Refund(ctx, paymentID, amount)
}

// ValidateWebhook verifies a webhook signature via the named provider's
// adapter. An unregistered provider type is a deployment
// misconfiguration and panics rather than returning false, so it
// surfaces loudly instead of silently dropping provider events.
func (d *Dispatcher) ValidateWebhook(payload []byte, signatureHeader string, providerType payment.ProviderType) bool {
	adapter := d.find(providerType)
	if adapter == nil {
		panic(fmt.Sprintf("payment: webhook validation requested for unregistered provider %q", providerType))
	}
	return adapter.ValidateWebhookSignature(payload, signatureHeader)
}

// charge runs a single bounded attempt against one adapter
func (d *Dispatcher) charge(ctx context.Context, adapter payment.ProviderAdapter, req *payment.ChargeRequest) *payment.ChargeResult {
	ctx, cancel := context.WithTimeout(ctx, d.chargeTimeout)
	defer cancel()

	result, err := adapter.Charge(ctx, req)
	if err != nil {
		kind := payment.ErrorKindUnknown
		if ctx.Err() != nil {
			kind = payment.ErrorKindProviderUnavailable
		}
		d.logger.Error("Provider charge failed",
			zap.String("provider", adapter.ProviderType().String()),
			zap.String("tenant_id", req.TenantID.String()),
			zap.Error(err))
		return failureResult(req, adapter.ProviderType(), kind, err.Error())
	}

	if result.Provider == "" {
		result.Provider = adapter.ProviderType()
	}
	if result.ProcessedAt.IsZero() {
		result.ProcessedAt = time.Now()
	}
	return result
}

// selectProvider returns the preferred provider when it is registered
// and active, otherwise the highest-priority one
func (d *Dispatcher) selectProvider(preferred payment.ProviderType) payment.ProviderAdapter {
	if preferred != "" {
		if adapter := d.find(preferred); adapter != nil {
			return adapter
		}
	}
	if len(d.providers) == 0 {
		return nil
	}
	return d.providers[0].Adapter
}

// nextProvider returns the highest-priority active provider different
// from the one already tried
func (d *Dispatcher) nextProvider(tried payment.ProviderType) payment.ProviderAdapter {
	for _, reg := range d.providers {
		if reg.Adapter.ProviderType() != tried {
			return reg.Adapter
		}
	}
	return nil
}

func (d *Dispatcher) find(providerType payment.ProviderType) payment.ProviderAdapter {
	for _, reg := range d.providers {
		if reg.Adapter.ProviderType() == providerType {
			return reg.Adapter
		}
	}
	return nil
}

func failureResult(req *payment.ChargeRequest, provider payment.ProviderType, kind payment.ErrorKind, message string) *payment.ChargeResult {
	return &payment.ChargeResult{
		Success:      false,
		Provider:     provider,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ErrorKind:    kind,
		ErrorMessage: message,
		ProcessedAt:  time.Now(),
	}
}
