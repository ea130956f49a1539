package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/infrastructure/telemetry"
)

// SubscriptionService owns the subscription lifecycle, quota checks,
// plan-change proration, and invoice construction. Payment execution is
// the Orchestrator's job; nothing here talks to a provider.
type SubscriptionService struct {
	planRepo       billing.PlanRepository
	subRepo        billing.SubscriptionRepository
	invoiceRepo    billing.InvoiceRepository
	usageRepo      billing.UsageCounterRepository
	eventPublisher shared.EventPublisher
	logger         *zap.Logger
}

// SubscriptionServiceConfig contains dependencies for SubscriptionService
type SubscriptionServiceConfig struct {
	PlanRepo       billing.PlanRepository
	SubRepo        billing.SubscriptionRepository
	InvoiceRepo    billing.InvoiceRepository
	UsageRepo      billing.UsageCounterRepository
	EventPublisher shared.EventPublisher
	Logger         *zap.Logger
}

// NewSubscriptionService creates a new SubscriptionService
func NewSubscriptionService(cfg SubscriptionServiceConfig) *SubscriptionService {
	return &SubscriptionService{
		planRepo:       cfg.PlanRepo,
		subRepo:        cfg.SubRepo,
		invoiceRepo:    cfg.InvoiceRepo,
		usageRepo:      cfg.UsageRepo,
		eventPublisher: cfg.EventPublisher,
		logger:         cfg.Logger,
	}
}

// CreateSubscriptionInput contains input for creating a subscription
type CreateSubscriptionInput struct {
	TenantID     uuid.UUID
	PlanID       uuid.UUID
	ProviderType string
	CustomerRef  string
	// TrialDaysOverride replaces the plan's trial length when set
	TrialDaysOverride *int
}

// CreateSubscription signs a tenant up for a plan. A tenant can hold at
// most one non-cancelled subscription at a time.
func (s *SubscriptionService) CreateSubscription(ctx context.Context, input CreateSubscriptionInput) (*billing.Subscription, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "subscription", "create",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, input.TenantID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrPlanID, input.PlanID.String()))
	defer span.End()

	plan, err := s.findPlan(ctx, input.PlanID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	existing, err := s.subRepo.FindActiveByTenant(ctx, input.TenantID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing subscription: %w", err)
	}
	if existing != nil {
		return nil, shared.ErrDuplicateSubscription
	}

	if input.TrialDaysOverride != nil {
		// Work on a copy so the override does not leak into the cached plan
		override := *plan
		override.TrialDays = *input.TrialDaysOverride
		plan = &override
	}

	sub, err := billing.NewSubscription(input.TenantID, plan, input.ProviderType, input.CustomerRef)
	if err != nil {
		return nil, err
	}

	if err := s.subRepo.Save(ctx, sub); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			return nil, shared.ErrDuplicateSubscription
		}
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}

	telemetry.SetAttributes(span,
		telemetry.SpanAttrSubscriptionID, sub.GetID().String(),
		"status", sub.Status.String())

	s.publishEvents(ctx, sub.GetDomainEvents())
	sub.ClearDomainEvents()

	s.logger.Info("Subscription created",
		zap.String("tenant_id", input.TenantID.String()),
		zap.String("subscription_id", sub.GetID().String()),
		zap.String("plan", plan.Name),
		zap.String("status", sub.Status.String()))

	return sub, nil
}

// Upgrade moves the tenant to a higher plan immediately. The prorated
// charge for the remaining period either settles on an immediate
// out-of-cycle invoice or rides along on the next cycle invoice.
func (s *SubscriptionService) Upgrade(ctx context.Context, tenantID, newPlanID uuid.UUID, behavior billing.ProrationBehavior) (*billing.Subscription, *billing.Invoice, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "subscription", "upgrade",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, tenantID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrPlanID, newPlanID.String()))
	defer span.End()

	sub, err := s.findActive(ctx, tenantID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}

	oldPlan, err := s.findPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	newPlan, err := s.findPlan(ctx, newPlanID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	proration := billing.ProrationAmount(sub, oldPlan.Price.Amount(), newPlan.Price.Amount(), now)
	telemetry.SetAttributes(span,
		telemetry.SpanAttrSubscriptionID, sub.GetID().String(),
		telemetry.SpanAttrAmount, proration.String())

	if err := sub.ChangePlan(newPlanID, proration); err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}

	var invoice *billing.Invoice
	if behavior == billing.ProrationImmediate && proration.IsPositive() {
		invoice, err = s.buildProrationInvoice(ctx, sub, newPlan, now)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := s.subRepo.Update(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	s.publishEvents(ctx, sub.GetDomainEvents())
	sub.ClearDomainEvents()

	s.logger.Info("Subscription upgraded",
		zap.String("tenant_id", tenantID.String()),
		zap.String("from_plan", oldPlan.Name),
		zap.String("to_plan", newPlan.Name),
		zap.String("proration", proration.String()),
		zap.Bool("immediate_invoice", invoice != nil))

	return sub, invoice, nil
}

// Downgrade schedules a move to a lower plan. The change itself is
// advisory state on the subscription; the Orchestrator applies it at the
// next cycle boundary. The proration credit always offsets a future
// invoice, never a refund.
func (s *SubscriptionService) Downgrade(ctx context.Context, tenantID, newPlanID uuid.UUID, downgradeAt *time.Time) (*billing.Subscription, error) {
	sub, err := s.findActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	oldPlan, err := s.findPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	newPlan, err := s.findPlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}

	effectiveAt := sub.CurrentPeriodEnd
	if downgradeAt != nil {
		effectiveAt = *downgradeAt
	}

	proration := billing.ProrationAmount(sub, oldPlan.Price.Amount(), newPlan.Price.Amount(), effectiveAt)
	if err := sub.SchedulePlanChange(newPlanID, effectiveAt, proration); err != nil {
		return nil, err
	}

	if err := s.subRepo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	s.logger.Info("Subscription downgrade scheduled",
		zap.String("tenant_id", tenantID.String()),
		zap.String("from_plan", oldPlan.Name),
		zap.String("to_plan", newPlan.Name),
		zap.Time("effective_at", effectiveAt))

	return sub, nil
}

// CancelSubscription cancels the tenant's subscription. Without a
// cancelAt it cancels immediately; a future cancelAt defers the
// transition to the cycle-boundary pass.
func (s *SubscriptionService) CancelSubscription(ctx context.Context, tenantID uuid.UUID, cancelAt *time.Time) (*billing.Subscription, error) {
	sub, err := s.findActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if cancelAt != nil && cancelAt.After(now) {
		if err := sub.ScheduleCancellation(); err != nil {
			return nil, err
		}
	} else {
		if err := sub.Cancel(now); err != nil {
			return nil, err
		}
	}

	if err := s.subRepo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	s.publishEvents(ctx, sub.GetDomainEvents())
	sub.ClearDomainEvents()

	s.logger.Info("Subscription cancellation processed",
		zap.String("tenant_id", tenantID.String()),
		zap.Bool("deferred", sub.CancelAtPeriodEnd),
		zap.String("status", sub.Status.String()))

	return sub, nil
}

// CheckQuotaLimit reports whether the tenant may consume requestedAmount
// more units of a resource. Read-only; nothing is incremented.
func (s *SubscriptionService) CheckQuotaLimit(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceType, requestedAmount int64) (billing.QuotaCheck, error) {
	sub, err := s.findActive(ctx, tenantID)
	if err != nil {
		return billing.QuotaCheck{}, err
	}
	plan, err := s.findPlan(ctx, sub.PlanID)
	if err != nil {
		return billing.QuotaCheck{}, err
	}

	current := int64(0)
	counter, err := s.usageRepo.Find(ctx, sub.GetID(), resource)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return billing.QuotaCheck{}, fmt.Errorf("failed to read usage counter: %w", err)
	}
	if counter != nil {
		current = counter.Used
	}

	return billing.CheckQuota(plan, resource, current, requestedAmount), nil
}

// UpdateUsage increments the tenant's usage counter for a resource.
// The increment is a single atomic storage operation, safe under
// concurrent calls from many request paths.
func (s *SubscriptionService) UpdateUsage(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceType, increment int64) (int64, error) {
	if increment <= 0 {
		return 0, shared.NewDomainError("INVALID_INCREMENT", "Usage increments must be positive")
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "usage", "increment",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, tenantID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrResource, string(resource)),
		telemetry.WithAttribute(telemetry.SpanAttrQuantity, increment))
	defer span.End()

	sub, err := s.findActive(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	total, err := s.usageRepo.Increment(ctx, tenantID, sub.GetID(), resource, increment,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return total, nil
}

// ResetUsage zeroes every usage counter on the tenant's live
// subscription for the current period. The cycle pass does this
// automatically at each boundary; this is the explicit path for
// support operations.
func (s *SubscriptionService) ResetUsage(ctx context.Context, tenantID uuid.UUID) error {
	sub, err := s.findActive(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.usageRepo.ResetForPeriod(ctx, sub.GetID(), sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
		return fmt.Errorf("failed to reset usage counters: %w", err)
	}
	return nil
}

// GenerateInvoice constructs the invoice for one billing period.
// Idempotent by (subscription, periodStart, periodEnd): a repeated call
// with the same window returns the existing invoice.
func (s *SubscriptionService) GenerateInvoice(ctx context.Context, tenantID uuid.UUID, periodStart, periodEnd time.Time) (*billing.Invoice, error) {
	sub, err := s.findActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.GenerateInvoiceForSubscription(ctx, sub, periodStart, periodEnd)
}

// GenerateInvoiceForSubscription is the invoice construction path shared
// with the Orchestrator's cycle pass, which already holds the
// subscription
func (s *SubscriptionService) GenerateInvoiceForSubscription(ctx context.Context, sub *billing.Subscription, periodStart, periodEnd time.Time) (*billing.Invoice, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "invoice", "generate",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, sub.TenantID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrSubscriptionID, sub.GetID().String()))
	defer span.End()

	if existing, err := s.invoiceRepo.FindByPeriod(ctx, sub.GetID(), periodStart, periodEnd); err == nil {
		telemetry.AddEvent(span, "invoice_already_exists",
			telemetry.SpanAttrInvoiceNumber, existing.Number)
		return existing, nil
	} else if !errors.Is(err, shared.ErrNotFound) {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to look up existing invoice: %w", err)
	}

	plan, err := s.findPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	seq, err := s.invoiceRepo.NextNumber(ctx, sub.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve invoice number: %w", err)
	}

	invoice, err := billing.NewInvoice(sub.TenantID, sub.GetID(), billing.FormatInvoiceNumber(seq),
		plan.Price.Currency(), periodStart, periodEnd, periodStart.AddDate(0, 0, 7))
	if err != nil {
		return nil, err
	}

	if err := invoice.AddLineItem(billing.NewLineItem(
		fmt.Sprintf("%s plan (%s)", plan.Name, plan.Cycle),
		decimal.NewFromInt(1), plan.Price.Amount())); err != nil {
		return nil, err
	}

	if plan.SetupFee.IsPositive() && sub.MarkSetupFeeBilled() {
		if err := invoice.AddLineItem(billing.NewLineItem(
			"One-time setup fee", decimal.NewFromInt(1), plan.SetupFee.Amount())); err != nil {
			return nil, err
		}
	}

	proration := sub.ConsumeDeferredProration()
	if !proration.IsZero() {
		description := "Plan change proration"
		if proration.IsNegative() {
			description = "Plan change credit"
		}
		if err := invoice.AddLineItem(billing.NewLineItem(description, decimal.NewFromInt(1), proration)); err != nil {
			return nil, err
		}
	}

	if err := s.addOverageLines(ctx, invoice, sub, plan); err != nil {
		return nil, err
	}

	if sub.DiscountPercent != nil {
		if err := invoice.ApplyDiscountPercent(*sub.DiscountPercent); err != nil {
			return nil, err
		}
	}
	if sub.TaxRate != nil {
		if err := invoice.ApplyTaxRate(*sub.TaxRate); err != nil {
			return nil, err
		}
	}

	if err := s.invoiceRepo.Save(ctx, invoice); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			// A concurrent pass won the race on the uniqueness key;
			// the period is billed exactly once either way
			return s.invoiceRepo.FindByPeriod(ctx, sub.GetID(), periodStart, periodEnd)
		}
		return nil, fmt.Errorf("failed to save invoice: %w", err)
	}

	if err := s.subRepo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription after invoicing: %w", err)
	}

	telemetry.SetAttributes(span,
		telemetry.SpanAttrInvoiceNumber, invoice.Number,
		telemetry.SpanAttrAmount, invoice.Total.String())

	s.logger.Info("Invoice generated",
		zap.String("tenant_id", sub.TenantID.String()),
		zap.String("invoice_number", invoice.Number),
		zap.String("total", invoice.Total.String()),
		zap.Time("period_start", periodStart),
		zap.Time("period_end", periodEnd))

	return invoice, nil
}

// addOverageLines appends one line per resource consumed beyond quota
func (s *SubscriptionService) addOverageLines(ctx context.Context, invoice *billing.Invoice, sub *billing.Subscription, plan *billing.Plan) error {
	counters, err := s.usageRepo.FindBySubscription(ctx, sub.GetID())
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read usage counters: %w", err)
	}

	for _, counter := range counters {
		units, _ := billing.OverageFor(plan, counter)
		if units == 0 {
			continue
		}
		rate, _ := plan.OverageRateFor(counter.Resource)
		item := billing.NewLineItem(
			fmt.Sprintf("%s overage (%d units)", counter.Resource, units),
			decimal.NewFromInt(units), rate)
		if err := invoice.AddLineItem(item); err != nil {
			return err
		}
	}
	return nil
}

// buildProrationInvoice creates an out-of-cycle invoice carrying only the
// accumulated proration charge
func (s *SubscriptionService) buildProrationInvoice(ctx context.Context, sub *billing.Subscription, plan *billing.Plan, now time.Time) (*billing.Invoice, error) {
	seq, err := s.invoiceRepo.NextNumber(ctx, sub.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve invoice number: %w", err)
	}

	// The proration invoice covers the remainder of the current period
	invoice, err := billing.NewInvoice(sub.TenantID, sub.GetID(), billing.FormatInvoiceNumber(seq),
		plan.Price.Currency(), now, sub.CurrentPeriodEnd, now.AddDate(0, 0, 7))
	if err != nil {
		return nil, err
	}

	proration := sub.ConsumeDeferredProration()
	if err := invoice.AddLineItem(billing.NewLineItem(
		"Plan change proration", decimal.NewFromInt(1), proration)); err != nil {
		return nil, err
	}

	if err := s.invoiceRepo.Save(ctx, invoice); err != nil {
		return nil, fmt.Errorf("failed to save proration invoice: %w", err)
	}
	return invoice, nil
}

func (s *SubscriptionService) findPlan(ctx context.Context, planID uuid.UUID) (*billing.Plan, error) {
	plan, err := s.planRepo.FindByID(ctx, planID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return plan, nil
}

func (s *SubscriptionService) findActive(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	sub, err := s.subRepo.FindActiveByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionService) publishEvents(ctx context.Context, events []shared.DomainEvent) {
	if s.eventPublisher == nil || len(events) == 0 {
		return
	}
	if err := s.eventPublisher.Publish(ctx, events...); err != nil {
		s.logger.Error("Failed to publish domain events", zap.Error(err))
	}
}
