package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// SubscriptionStatus represents the lifecycle state of a subscription
type SubscriptionStatus string

const (
	// SubscriptionStatusTrialing indicates the subscription is in its trial period
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"

	// SubscriptionStatusActive indicates the subscription is paid up
	SubscriptionStatusActive SubscriptionStatus = "active"

	// SubscriptionStatusPastDue indicates the latest invoice payment failed
	SubscriptionStatusPastDue SubscriptionStatus = "past_due"

	// SubscriptionStatusCancelled is terminal; no further invoices are generated
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// String returns the string representation of SubscriptionStatus
func (s SubscriptionStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known state
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive,
		SubscriptionStatusPastDue, SubscriptionStatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if no further transitions are possible
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving to target.
// Trialing can never jump straight to past_due, and cancelled never leaves.
func (s SubscriptionStatus) CanTransitionTo(target SubscriptionStatus) bool {
	switch s {
	case SubscriptionStatusTrialing:
		return target == SubscriptionStatusActive || target == SubscriptionStatusCancelled
	case SubscriptionStatusActive:
		return target == SubscriptionStatusPastDue || target == SubscriptionStatusCancelled
	case SubscriptionStatusPastDue:
		return target == SubscriptionStatusActive || target == SubscriptionStatusCancelled
	case SubscriptionStatusCancelled:
		return false
	}
	return false
}

// PendingPlanChange records a downgrade scheduled for a future boundary.
// The orchestrator applies it during the cycle pass that crosses EffectiveAt.
type PendingPlanChange struct {
	PlanID      uuid.UUID       `json:"plan_id"`
	EffectiveAt time.Time       `json:"effective_at"`
	Proration   decimal.Decimal `json:"proration"`
}

// Subscription represents a tenant's subscription to a plan.
// Each tenant holds at most one non-cancelled subscription; plan changes
// mutate this record rather than creating a new one.
type Subscription struct {
	shared.TenantAggregateRoot
	PlanID             uuid.UUID
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	ProviderType       string
	CustomerRef        string
	ProviderSubRef     string
	SetupFeeBilled     bool
	DeferredProration  decimal.Decimal
	PendingChange      *PendingPlanChange
	TaxRate            *decimal.Decimal
	DiscountPercent    *decimal.Decimal
	CancelledAt        *time.Time
}

// NewSubscription creates a subscription for a tenant on the given plan.
// The initial period is [now, now + one cycle). A plan with trial days
// starts trialing; otherwise it starts active.
func NewSubscription(tenantID uuid.UUID, plan *Plan, providerType, customerRef string) (*Subscription, error) {
	return NewSubscriptionAt(tenantID, plan, providerType, customerRef, time.Now())
}

// NewSubscriptionAt creates a subscription with an explicit clock, used by
// tests and backfills
func NewSubscriptionAt(tenantID uuid.UUID, plan *Plan, providerType, customerRef string, now time.Time) (*Subscription, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if plan == nil {
		return nil, shared.ErrPlanNotFound
	}
	if providerType == "" {
		return nil, shared.NewDomainError("INVALID_PROVIDER", "Provider type cannot be empty")
	}

	sub := &Subscription{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID),
		PlanID:              plan.GetID(),
		Status:              SubscriptionStatusActive,
		CurrentPeriodStart:  now,
		CurrentPeriodEnd:    plan.Cycle.Advance(now),
		ProviderType:        providerType,
		CustomerRef:         customerRef,
		DeferredProration:   decimal.Zero,
	}

	if plan.HasTrial() {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.Status = SubscriptionStatusTrialing
		sub.TrialEnd = &trialEnd
	}

	sub.AddDomainEvent(NewSubscriptionCreatedEvent(sub))
	return sub, nil
}

// IsCancelled returns true if the subscription is in a terminal state
func (s *Subscription) IsCancelled() bool {
	return s.Status == SubscriptionStatusCancelled
}

// IsBillable returns true if cycle passes should generate invoices
func (s *Subscription) IsBillable() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusTrialing:
		return true
	}
	return false
}

// IsDue returns true if the current billing period has elapsed
func (s *Subscription) IsDue(now time.Time) bool {
	return s.IsBillable() && !s.CurrentPeriodEnd.After(now)
}

// InTrial returns true if the subscription is still within its trial window
func (s *Subscription) InTrial(now time.Time) bool {
	return s.Status == SubscriptionStatusTrialing && s.TrialEnd != nil && now.Before(*s.TrialEnd)
}

// transitionTo applies a status change after validating it against the
// state machine
func (s *Subscription) transitionTo(target SubscriptionStatus) error {
	if !s.Status.CanTransitionTo(target) {
		return shared.NewDomainError("INVALID_TRANSITION",
			"Cannot transition subscription from "+s.Status.String()+" to "+target.String())
	}
	s.Status = target
	s.UpdatedAt = time.Now()
	return nil
}

// MarkPastDue records a failed invoice payment. Only active subscriptions
// move to past_due; a trial that has never been billed cannot.
func (s *Subscription) MarkPastDue() error {
	if err := s.transitionTo(SubscriptionStatusPastDue); err != nil {
		return err
	}
	s.AddDomainEvent(NewSubscriptionPastDueEvent(s))
	return nil
}

// MarkActive records a successful payment, recovering from past_due or
// converting a trial
func (s *Subscription) MarkActive() error {
	if s.Status == SubscriptionStatusActive {
		return nil
	}
	if err := s.transitionTo(SubscriptionStatusActive); err != nil {
		return err
	}
	s.AddDomainEvent(NewSubscriptionActivatedEvent(s))
	return nil
}

// Cancel transitions the subscription to the terminal cancelled state
func (s *Subscription) Cancel(now time.Time) error {
	if err := s.transitionTo(SubscriptionStatusCancelled); err != nil {
		return err
	}
	s.CancelledAt = &now
	s.CancelAtPeriodEnd = false
	s.PendingChange = nil
	s.AddDomainEvent(NewSubscriptionCancelledEvent(s))
	return nil
}

// ScheduleCancellation defers cancellation to the end of the current period
func (s *Subscription) ScheduleCancellation() error {
	if s.IsCancelled() {
		return shared.NewDomainError("INVALID_TRANSITION", "Subscription is already cancelled")
	}
	s.CancelAtPeriodEnd = true
	s.UpdatedAt = time.Now()
	return nil
}

// ChangePlan swaps the plan reference immediately and accumulates the
// proration amount. A positive proration is an extra charge, a negative
// one a credit; both settle on an invoice, never as a refund.
func (s *Subscription) ChangePlan(newPlanID uuid.UUID, proration decimal.Decimal) error {
	if s.IsCancelled() {
		return shared.NewDomainError("INVALID_TRANSITION", "Cannot change plan on a cancelled subscription")
	}
	previous := s.PlanID
	s.PlanID = newPlanID
	s.DeferredProration = s.DeferredProration.Add(proration)
	s.UpdatedAt = time.Now()
	s.AddDomainEvent(NewSubscriptionPlanChangedEvent(s, previous, newPlanID))
	return nil
}

// SchedulePlanChange records a downgrade to apply at a future boundary
func (s *Subscription) SchedulePlanChange(newPlanID uuid.UUID, effectiveAt time.Time, proration decimal.Decimal) error {
	if s.IsCancelled() {
		return shared.NewDomainError("INVALID_TRANSITION", "Cannot change plan on a cancelled subscription")
	}
	s.PendingChange = &PendingPlanChange{
		PlanID:      newPlanID,
		EffectiveAt: effectiveAt,
		Proration:   proration,
	}
	s.UpdatedAt = time.Now()
	return nil
}

// ApplyPendingChange applies a scheduled plan change if its effective time
// has been crossed. Returns true if a change was applied.
func (s *Subscription) ApplyPendingChange(now time.Time) (bool, error) {
	if s.PendingChange == nil || s.PendingChange.EffectiveAt.After(now) {
		return false, nil
	}
	change := *s.PendingChange
	s.PendingChange = nil
	if err := s.ChangePlan(change.PlanID, change.Proration); err != nil {
		return false, err
	}
	return true, nil
}

// MarkSetupFeeBilled records that the plan's one-time setup fee has been
// placed on an invoice. Returns false when it was already billed, so the
// fee can only ever appear once per subscription.
func (s *Subscription) MarkSetupFeeBilled() bool {
	if s.SetupFeeBilled {
		return false
	}
	s.SetupFeeBilled = true
	s.UpdatedAt = time.Now()
	return true
}

// ConsumeDeferredProration returns the accumulated proration amount and
// resets it to zero. Called once per invoice generation.
func (s *Subscription) ConsumeDeferredProration() decimal.Decimal {
	amount := s.DeferredProration
	s.DeferredProration = decimal.Zero
	return amount
}

// AdvancePeriod moves the billing period forward by exactly one cycle.
// The new period starts at the previous period's end so boundaries never
// drift with late scheduler runs.
func (s *Subscription) AdvancePeriod(cycle BillingCycle) error {
	if s.IsCancelled() {
		return shared.NewDomainError("INVALID_TRANSITION", "Cannot advance a cancelled subscription")
	}
	s.CurrentPeriodStart = s.CurrentPeriodEnd
	s.CurrentPeriodEnd = cycle.Advance(s.CurrentPeriodEnd)
	s.UpdatedAt = time.Now()
	return nil
}

// SetProviderSubRef records the external subscription id assigned by the
// payment provider
func (s *Subscription) SetProviderSubRef(ref string) {
	s.ProviderSubRef = ref
	s.UpdatedAt = time.Now()
}

// RemainingPeriodFraction returns the fraction of the current period left
// at the given instant, clamped to [0, 1]
func (s *Subscription) RemainingPeriodFraction(now time.Time) decimal.Decimal {
	total := s.CurrentPeriodEnd.Sub(s.CurrentPeriodStart)
	if total <= 0 {
		return decimal.Zero
	}
	remaining := s.CurrentPeriodEnd.Sub(now)
	if remaining <= 0 {
		return decimal.Zero
	}
	if remaining > total {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromFloat(remaining.Seconds()).
		Div(decimal.NewFromFloat(total.Seconds()))
}
