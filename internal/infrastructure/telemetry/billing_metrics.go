// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BillingMetrics tracks billing cycle throughput and payment outcomes.
// It implements the orchestrator's Metrics port.
type BillingMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	cyclePassTotal     *Counter
	cycleProcessed     *Counter
	cycleFailed        *Counter
	cyclePassDuration  *Histogram
	paymentTotal       *Counter
	paymentAmountTotal *Counter
}

// BillingMetricsConfig holds configuration for billing metrics.
type BillingMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
}

// NewBillingMetrics creates a new BillingMetrics instance.
func NewBillingMetrics(cfg BillingMetricsConfig) (*BillingMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bm := &BillingMetrics{
		meter:  cfg.Meter,
		logger: logger,
	}

	var err error

	bm.cyclePassTotal, err = NewCounter(
		cfg.Meter,
		"billing_cycle_pass_total",
		"Total number of completed cycle-boundary passes",
		"{passes}",
	)
	if err != nil {
		return nil, err
	}

	bm.cycleProcessed, err = NewCounter(
		cfg.Meter,
		"billing_cycle_subscriptions_processed_total",
		"Total subscriptions processed at a cycle boundary",
		"{subscriptions}",
	)
	if err != nil {
		return nil, err
	}

	bm.cycleFailed, err = NewCounter(
		cfg.Meter,
		"billing_cycle_subscriptions_failed_total",
		"Total subscriptions whose cycle processing failed",
		"{subscriptions}",
	)
	if err != nil {
		return nil, err
	}

	bm.cyclePassDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "billing_cycle_pass_duration_seconds",
		Description: "Duration of one cycle-boundary pass",
		Unit:        "s",
		Boundaries:  []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	})
	if err != nil {
		return nil, err
	}

	bm.paymentTotal, err = NewCounter(
		cfg.Meter,
		"billing_payment_total",
		"Total number of payment attempts",
		"{payments}",
	)
	if err != nil {
		return nil, err
	}

	bm.paymentAmountTotal, err = NewCounter(
		cfg.Meter,
		"billing_payment_amount_total",
		"Total charged amount in cents",
		"{cents}",
	)
	if err != nil {
		return nil, err
	}

	return bm, nil
}

// RecordCyclePass records one completed cycle-boundary pass.
func (bm *BillingMetrics) RecordCyclePass(ctx context.Context, processed, failed int, duration time.Duration) {
	bm.cyclePassTotal.Inc(ctx)
	bm.cycleProcessed.Add(ctx, int64(processed))
	bm.cycleFailed.Add(ctx, int64(failed))
	bm.cyclePassDuration.RecordDuration(ctx, duration)
}

// RecordPayment records one payment attempt outcome. Only successful
// charges contribute to the amount counter.
func (bm *BillingMetrics) RecordPayment(ctx context.Context, provider string, success bool, amount decimal.Decimal) {
	status := PaymentStatusSuccess
	if !success {
		status = PaymentStatusFailed
	}

	bm.paymentTotal.Inc(ctx,
		AttrPaymentProvider.String(provider),
		AttrPaymentStatus.String(string(status)),
	)

	if success {
		cents := amount.Mul(decimal.NewFromInt(100)).IntPart()
		bm.paymentAmountTotal.Add(ctx, cents,
			AttrPaymentProvider.String(provider),
		)
	}
}

// PaymentStatus labels the outcome of a payment attempt.
type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewBillingMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
