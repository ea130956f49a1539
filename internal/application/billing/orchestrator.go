package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appPayment "github.com/saasbill/backend/internal/application/payment"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/payment"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/infrastructure/telemetry"
)

// Metrics records billing outcomes for observability. Implementations
// must be safe for concurrent use; a nil Metrics disables recording.
type Metrics interface {
	// RecordCyclePass records one completed cycle-boundary pass
	RecordCyclePass(ctx context.Context, processed, failed int, duration time.Duration)

	// RecordPayment records one payment attempt outcome
	RecordPayment(ctx context.Context, provider string, success bool, amount decimal.Decimal)
}

// Orchestrator ties subscription state to payment execution: it
// generates due invoices via the SubscriptionService, charges them
// through the Dispatcher, and folds the results back into invoice and
// subscription state.
type Orchestrator struct {
	subRepo     billing.SubscriptionRepository
	planRepo    billing.PlanRepository
	invoiceRepo billing.InvoiceRepository
	usageRepo   billing.UsageCounterRepository
	subService  *SubscriptionService
	dispatcher  *appPayment.Dispatcher
	notifier    Notifier
	metrics     Metrics
	logger      *zap.Logger

	maxConcurrentTenants int
	dueBatchSize         int
}

// OrchestratorConfig contains dependencies and tuning for the
// Orchestrator
type OrchestratorConfig struct {
	SubRepo     billing.SubscriptionRepository
	PlanRepo    billing.PlanRepository
	InvoiceRepo billing.InvoiceRepository
	UsageRepo   billing.UsageCounterRepository
	SubService  *SubscriptionService
	Dispatcher  *appPayment.Dispatcher
	Notifier    Notifier
	Metrics     Metrics
	Logger      *zap.Logger

	// MaxConcurrentTenants bounds how many tenants a pass works in
	// parallel. Tenant state is disjoint, so parallelism is safe.
	MaxConcurrentTenants int
	// DueBatchSize caps how many due subscriptions one pass loads
	DueBatchSize int
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxConcurrentTenants <= 0 {
		cfg.MaxConcurrentTenants = 8
	}
	if cfg.DueBatchSize <= 0 {
		cfg.DueBatchSize = 500
	}
	return &Orchestrator{
		subRepo:              cfg.SubRepo,
		planRepo:             cfg.PlanRepo,
		invoiceRepo:          cfg.InvoiceRepo,
		usageRepo:            cfg.UsageRepo,
		subService:           cfg.SubService,
		dispatcher:           cfg.Dispatcher,
		notifier:             cfg.Notifier,
		metrics:              cfg.Metrics,
		logger:               cfg.Logger,
		maxConcurrentTenants: cfg.MaxConcurrentTenants,
		dueBatchSize:         cfg.DueBatchSize,
	}
}

// PassSummary reports the outcome of one cycle-boundary pass
type PassSummary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Processed int           `json:"processed"`
	Paid      int           `json:"paid"`
	Failed    int           `json:"failed"`
	Errors    int           `json:"errors"`
}

// ProcessInvoicePayment charges an open invoice through the
// subscription's provider and updates invoice and subscription state
// from the result. Invoice amounts and status always change together.
func (o *Orchestrator) ProcessInvoicePayment(ctx context.Context, invoice *billing.Invoice, sub *billing.Subscription) (*payment.ChargeResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "invoice", "pay",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, invoice.TenantID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrInvoiceID, invoice.GetID().String()),
		telemetry.WithAttribute(telemetry.SpanAttrInvoiceNumber, invoice.Number))
	defer span.End()

	if !invoice.IsPayable() {
		return nil, shared.ErrInvoiceNotPayable
	}

	req := &payment.ChargeRequest{
		TenantID:       invoice.TenantID,
		Amount:         invoice.AmountDue,
		Currency:       string(invoice.Currency),
		CustomerRef:    sub.CustomerRef,
		IdempotencyKey: fmt.Sprintf("inv-%s-%d", invoice.GetID(), invoice.GetVersion()),
		Description:    fmt.Sprintf("Invoice %s", invoice.Number),
	}

	result, err := o.dispatcher.ProcessPayment(ctx, req, payment.ProviderType(sub.ProviderType))
	if err != nil {
		return nil, fmt.Errorf("payment dispatch failed: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordPayment(ctx, result.Provider.String(), result.Success, req.Amount)
	}

	if result.Success {
		err = o.applyPaymentSuccess(ctx, invoice, sub, result)
	} else {
		err = o.applyPaymentFailure(ctx, invoice, sub, result)
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrInvoiceStatus, string(invoice.Status))
	return result, err
}

// applyPaymentSuccess settles the invoice and recovers a past_due or
// trialing subscription to active
func (o *Orchestrator) applyPaymentSuccess(ctx context.Context, invoice *billing.Invoice, sub *billing.Subscription, result *payment.ChargeResult) error {
	if err := invoice.MarkPaid(result.PaymentID, result.ProcessedAt); err != nil {
		return err
	}
	if err := o.invoiceRepo.Update(ctx, invoice); err != nil {
		return fmt.Errorf("failed to persist paid invoice: %w", err)
	}

	if sub.Status != billing.SubscriptionStatusActive {
		if err := sub.MarkActive(); err != nil {
			return err
		}
		if err := o.subRepo.Update(ctx, sub); err != nil {
			return fmt.Errorf("failed to persist subscription recovery: %w", err)
		}
	}

	o.logger.Info("Invoice paid",
		zap.String("tenant_id", invoice.TenantID.String()),
		zap.String("invoice_number", invoice.Number),
		zap.String("provider", result.Provider.String()),
		zap.String("payment_id", result.PaymentID))

	o.notify(func() error { return o.notifier.PaymentSucceeded(ctx, invoice) })
	return nil
}

// applyPaymentFailure leaves the invoice open and due, and moves an
// active subscription to past_due. Trialing subscriptions stay trialing;
// the state machine forbids trialing -> past_due.
func (o *Orchestrator) applyPaymentFailure(ctx context.Context, invoice *billing.Invoice, sub *billing.Subscription, result *payment.ChargeResult) error {
	if err := invoice.MarkPaymentFailed(result.PaymentID); err != nil {
		return err
	}
	if err := o.invoiceRepo.Update(ctx, invoice); err != nil {
		return fmt.Errorf("failed to persist failed invoice: %w", err)
	}

	if sub.Status == billing.SubscriptionStatusActive {
		if err := sub.MarkPastDue(); err != nil {
			return err
		}
		if err := o.subRepo.Update(ctx, sub); err != nil {
			return fmt.Errorf("failed to persist past_due transition: %w", err)
		}
	}

	o.logger.Warn("Invoice payment failed",
		zap.String("tenant_id", invoice.TenantID.String()),
		zap.String("invoice_number", invoice.Number),
		zap.String("error_kind", result.ErrorKind.String()),
		zap.String("error", result.ErrorMessage))

	o.notify(func() error { return o.notifier.PaymentFailed(ctx, invoice, result.ErrorKind.String()) })
	return nil
}

// ProcessOverageBilling bills usage beyond quota out of cycle. The
// overage invoice covers the window from period start to now; counters
// reset afterwards so the next cycle invoice does not bill the same
// units again.
func (o *Orchestrator) ProcessOverageBilling(ctx context.Context, tenantID uuid.UUID) (*billing.Invoice, error) {
	sub, err := o.subRepo.FindActiveByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	plan, err := o.planRepo.FindByID(ctx, sub.PlanID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrPlanNotFound
		}
		return nil, err
	}

	counters, err := o.usageRepo.FindBySubscription(ctx, sub.GetID())
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("failed to read usage counters: %w", err)
	}

	type overageLine struct {
		counter *billing.UsageCounter
		units   int64
		rate    decimal.Decimal
	}
	var lines []overageLine
	for _, counter := range counters {
		units, _ := billing.OverageFor(plan, counter)
		if units == 0 {
			continue
		}
		rate, _ := plan.OverageRateFor(counter.Resource)
		lines = append(lines, overageLine{counter: counter, units: units, rate: rate})
	}
	if len(lines) == 0 {
		return nil, nil
	}

	seq, err := o.invoiceRepo.NextNumber(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve invoice number: %w", err)
	}

	now := time.Now()
	invoice, err := billing.NewInvoice(tenantID, sub.GetID(), billing.FormatInvoiceNumber(seq),
		plan.Price.Currency(), sub.CurrentPeriodStart, now, now.AddDate(0, 0, 7))
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		item := billing.NewLineItem(
			fmt.Sprintf("%s overage (%d units)", line.counter.Resource, line.units),
			decimal.NewFromInt(line.units), line.rate)
		if err := invoice.AddLineItem(item); err != nil {
			return nil, err
		}
	}

	if err := o.invoiceRepo.Save(ctx, invoice); err != nil {
		return nil, fmt.Errorf("failed to save overage invoice: %w", err)
	}

	if err := o.usageRepo.ResetForPeriod(ctx, sub.GetID(), sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
		o.logger.Error("Failed to reset usage counters after overage billing",
			zap.String("subscription_id", sub.GetID().String()),
			zap.Error(err))
	}

	if _, err := o.ProcessInvoicePayment(ctx, invoice, sub); err != nil {
		o.logger.Error("Overage invoice payment failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("invoice_number", invoice.Number),
			zap.Error(err))
	}
	return invoice, nil
}

// BillingReport aggregates invoice totals for a tenant over a range
type BillingReport struct {
	TenantID         uuid.UUID       `json:"tenant_id"`
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	InvoiceCount     int             `json:"invoice_count"`
	TotalInvoiced    decimal.Decimal `json:"total_invoiced"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	CountByStatus    map[string]int  `json:"count_by_status"`
}

// GenerateBillingReport aggregates the tenant's invoices in the given
// range. Read-only; nothing is billed or mutated.
func (o *Orchestrator) GenerateBillingReport(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*BillingReport, error) {
	invoices, err := o.invoiceRepo.FindByTenantInRange(ctx, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoices: %w", err)
	}

	report := &BillingReport{
		TenantID:         tenantID,
		PeriodStart:      start,
		PeriodEnd:        end,
		TotalInvoiced:    decimal.Zero,
		TotalPaid:        decimal.Zero,
		TotalOutstanding: decimal.Zero,
		CountByStatus:    make(map[string]int),
	}
	for _, inv := range invoices {
		if inv.Status == billing.InvoiceStatusVoid {
			report.CountByStatus[inv.Status.String()]++
			continue
		}
		report.InvoiceCount++
		report.TotalInvoiced = report.TotalInvoiced.Add(inv.Total)
		report.TotalPaid = report.TotalPaid.Add(inv.AmountPaid)
		report.TotalOutstanding = report.TotalOutstanding.Add(inv.AmountDue)
		report.CountByStatus[inv.Status.String()]++
	}
	return report, nil
}

// ProcessDueCycles is the cycle-boundary pass: every billable
// subscription whose period has elapsed gets its next invoice, a period
// advance of exactly one cycle, any deferred downgrade, and a payment
// attempt. Tenants run concurrently up to the configured bound.
func (o *Orchestrator) ProcessDueCycles(ctx context.Context) (*PassSummary, error) {
	started := time.Now()
	summary := &PassSummary{StartedAt: started}

	due, err := o.subRepo.FindDue(ctx, started, o.dueBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load due subscriptions: %w", err)
	}
	if len(due) == 0 {
		summary.Duration = time.Since(started)
		return summary, nil
	}

	type outcome struct{ paid, failed, errored bool }
	results := make([]outcome, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConcurrentTenants)
	for i, sub := range due {
		g.Go(func() error {
			paid, err := o.processCycle(gctx, sub, started)
			if err != nil {
				o.logger.Error("Cycle processing failed",
					zap.String("tenant_id", sub.TenantID.String()),
					zap.String("subscription_id", sub.GetID().String()),
					zap.Error(err))
				results[i].errored = true
				return nil // one tenant's failure never aborts the pass
			}
			if paid {
				results[i].paid = true
			} else {
				results[i].failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		summary.Processed++
		switch {
		case r.errored:
			summary.Errors++
		case r.paid:
			summary.Paid++
		default:
			summary.Failed++
		}
	}
	summary.Duration = time.Since(started)

	if o.metrics != nil {
		o.metrics.RecordCyclePass(ctx, summary.Processed, summary.Failed+summary.Errors, summary.Duration)
	}

	o.logger.Info("Cycle-boundary pass complete",
		zap.Int("processed", summary.Processed),
		zap.Int("paid", summary.Paid),
		zap.Int("failed", summary.Failed),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", summary.Duration))

	return summary, nil
}

// processCycle advances one subscription across its period boundary.
// Returns whether the generated invoice was paid.
func (o *Orchestrator) processCycle(ctx context.Context, sub *billing.Subscription, now time.Time) (bool, error) {
	if sub.CancelAtPeriodEnd {
		if err := sub.Cancel(now); err != nil {
			return false, err
		}
		if err := o.subRepo.Update(ctx, sub); err != nil {
			return false, fmt.Errorf("failed to persist deferred cancellation: %w", err)
		}
		o.notify(func() error { return o.notifier.SubscriptionCancelled(ctx, sub) })
		return true, nil
	}

	if _, err := sub.ApplyPendingChange(now); err != nil {
		return false, err
	}

	plan, err := o.planRepo.FindByID(ctx, sub.PlanID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, shared.ErrPlanNotFound
		}
		return false, err
	}

	// The new invoice bills the period that starts at the old boundary
	periodStart := sub.CurrentPeriodEnd
	periodEnd := plan.Cycle.Advance(periodStart)

	if _, err := o.subService.GenerateInvoiceForSubscription(ctx, sub, periodStart, periodEnd); err != nil {
		return false, err
	}

	if err := sub.AdvancePeriod(plan.Cycle); err != nil {
		return false, err
	}
	if err := o.subRepo.Update(ctx, sub); err != nil {
		return false, fmt.Errorf("failed to persist period advance: %w", err)
	}

	if err := o.usageRepo.ResetForPeriod(ctx, sub.GetID(), sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
		o.logger.Error("Failed to reset usage counters at cycle boundary",
			zap.String("subscription_id", sub.GetID().String()),
			zap.Error(err))
	}

	return o.settleOutstanding(ctx, sub)
}

// settleOutstanding charges every payable invoice on the subscription,
// oldest first. The set includes the invoice generated for the new
// period plus any earlier invoice whose payment failed, so a past_due
// tenant gets its retry on the next scheduled pass. Returns whether
// everything settled.
func (o *Orchestrator) settleOutstanding(ctx context.Context, sub *billing.Subscription) (bool, error) {
	open, err := o.invoiceRepo.FindOpenBySubscription(ctx, sub.GetID())
	if err != nil {
		return false, fmt.Errorf("failed to load open invoices: %w", err)
	}

	allPaid := true
	for _, invoice := range open {
		if !invoice.IsPayable() {
			continue
		}
		result, err := o.ProcessInvoicePayment(ctx, invoice, sub)
		if err != nil {
			return false, err
		}
		if !result.Success {
			allPaid = false
		}
	}
	return allPaid, nil
}

// notify runs a fire-and-forget notification
func (o *Orchestrator) notify(fn func() error) {
	if o.notifier == nil {
		return
	}
	if err := fn(); err != nil {
		o.logger.Warn("Notification delivery failed", zap.Error(err))
	}
}
