package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/application/billing"
	domainbilling "github.com/saasbill/backend/internal/domain/billing"
	"go.uber.org/zap"
)

// BillingScheduler drives the periodic cycle-boundary pass. At most one
// pass runs at a time: a tick or manual trigger that arrives while a pass
// is in flight is skipped and counted, never queued.
type BillingScheduler struct {
	orchestrator *billing.Orchestrator
	logger       *zap.Logger
	config       BillingSchedulerConfig
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.Mutex
	isRunning    bool

	passInFlight atomic.Bool
	skippedRuns  atomic.Int64

	statusMu    sync.Mutex
	lastRunAt   time.Time
	lastSummary *billing.PassSummary
	lastErr     error
}

// BillingSchedulerConfig holds configuration for the billing scheduler
type BillingSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often the cycle-boundary pass runs
	Interval time.Duration

	// PassTimeout is the maximum time for one pass
	PassTimeout time.Duration
}

// DefaultBillingSchedulerConfig returns default configuration
func DefaultBillingSchedulerConfig() BillingSchedulerConfig {
	return BillingSchedulerConfig{
		Enabled:     true,
		Interval:    time.Hour,
		PassTimeout: 30 * time.Minute,
	}
}

// SchedulerStatus is a point-in-time snapshot of the scheduler state
type SchedulerStatus struct {
	Running      bool       `json:"running"`
	PassInFlight bool       `json:"pass_in_flight"`
	SkippedRuns  int64      `json:"skipped_runs"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastOutcome  string     `json:"last_outcome,omitempty"`
}

// NewBillingScheduler creates a new billing scheduler
func NewBillingScheduler(
	orchestrator *billing.Orchestrator,
	logger *zap.Logger,
	config BillingSchedulerConfig,
) *BillingScheduler {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = 30 * time.Minute
	}
	return &BillingScheduler{
		orchestrator: orchestrator,
		logger:       logger,
		config:       config,
	}
}

// Start starts the billing scheduler
func (s *BillingScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Billing scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.logger.Info("Billing scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("pass_timeout", s.config.PassTimeout),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *BillingScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Billing scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Billing scheduler stop timed out")
		return ctx.Err()
	}
}

// runLoop ticks at the configured interval
func (s *BillingScheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Billing scheduler loop stopping")
			return
		case <-ticker.C:
			s.executePass(ctx, "scheduled")
		}
	}
}

// executePass runs one cycle-boundary pass if none is in flight. The CAS
// is the exclusivity guarantee: a losing caller records a skip and
// returns, it does not wait.
func (s *BillingScheduler) executePass(ctx context.Context, trigger string) {
	if !s.passInFlight.CompareAndSwap(false, true) {
		s.skippedRuns.Add(1)
		s.logger.Warn("Billing pass skipped, previous pass still running",
			zap.String("trigger", trigger),
			zap.Int64("skipped_total", s.skippedRuns.Load()),
		)
		return
	}
	defer s.passInFlight.Store(false)

	passCtx, cancel := context.WithTimeout(ctx, s.config.PassTimeout)
	defer cancel()

	started := time.Now()
	summary, err := s.orchestrator.ProcessDueCycles(passCtx)

	s.statusMu.Lock()
	s.lastRunAt = started
	s.lastSummary = summary
	s.lastErr = err
	s.statusMu.Unlock()

	if err != nil {
		s.logger.Error("Billing pass failed",
			zap.String("trigger", trigger),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("Billing pass completed",
		zap.String("trigger", trigger),
		zap.Int("processed", summary.Processed),
		zap.Int("paid", summary.Paid),
		zap.Int("failed", summary.Failed),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", summary.Duration),
	)
}

// TriggerBillingCycles runs a pass immediately. Returns
// ErrSchedulerNotRunning when stopped; a pass already in flight is
// skipped, not queued.
func (s *BillingScheduler) TriggerBillingCycles(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate billing pass")

	go func() {
		defer s.wg.Done()
		s.executePass(ctx, "manual")
	}()

	return nil
}

// TriggerOverageBilling bills accumulated overage for one tenant out of
// cycle. Runs synchronously; overage billing for a single tenant is cheap
// and the caller wants the invoice.
func (s *BillingScheduler) TriggerOverageBilling(ctx context.Context, tenantID uuid.UUID) (*billing.PassSummary, error) {
	s.mu.Lock()
	running := s.isRunning
	s.mu.Unlock()
	if !running {
		return nil, ErrSchedulerNotRunning
	}

	started := time.Now()
	summary := &billing.PassSummary{StartedAt: started}

	invoice, err := s.orchestrator.ProcessOverageBilling(ctx, tenantID)
	summary.Duration = time.Since(started)
	if err != nil {
		summary.Errors = 1
		return summary, err
	}
	if invoice != nil {
		summary.Processed = 1
		if invoice.Status == domainbilling.InvoiceStatusPaid {
			summary.Paid = 1
		}
	}
	return summary, nil
}

// GetStatus returns a snapshot of the scheduler state
func (s *BillingScheduler) GetStatus() SchedulerStatus {
	s.mu.Lock()
	running := s.isRunning
	s.mu.Unlock()

	status := SchedulerStatus{
		Running:      running,
		PassInFlight: s.passInFlight.Load(),
		SkippedRuns:  s.skippedRuns.Load(),
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if !s.lastRunAt.IsZero() {
		lastRun := s.lastRunAt
		status.LastRunAt = &lastRun
		switch {
		case s.lastErr != nil:
			status.LastOutcome = "error: " + s.lastErr.Error()
		case s.lastSummary != nil:
			status.LastOutcome = fmt.Sprintf("processed=%d paid=%d failed=%d errors=%d",
				s.lastSummary.Processed, s.lastSummary.Paid, s.lastSummary.Failed, s.lastSummary.Errors)
		}
	}
	return status
}

// IsRunning returns whether the scheduler is running
func (s *BillingScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
