package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PlanRepository defines the interface for persisting and querying plans
type PlanRepository interface {
	// Save persists a new plan
	Save(ctx context.Context, plan *Plan) error

	// Update updates an existing plan
	Update(ctx context.Context, plan *Plan) error

	// FindByID retrieves a plan by its ID
	FindByID(ctx context.Context, id uuid.UUID) (*Plan, error)

	// FindByName retrieves a plan by its unique name
	FindByName(ctx context.Context, name string) (*Plan, error)

	// FindActive retrieves all plans available for new subscriptions
	FindActive(ctx context.Context) ([]*Plan, error)
}

// SubscriptionRepository defines the interface for persisting and querying
// subscriptions
type SubscriptionRepository interface {
	// Save persists a new subscription
	Save(ctx context.Context, sub *Subscription) error

	// Update updates an existing subscription with an optimistic
	// version check
	Update(ctx context.Context, sub *Subscription) error

	// FindByID retrieves a subscription by its ID
	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// FindActiveByTenant retrieves the tenant's non-cancelled subscription,
	// or shared.ErrNotFound when none exists
	FindActiveByTenant(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)

	// FindByProviderSubRef retrieves the subscription carrying the given
	// provider-side subscription reference
	FindByProviderSubRef(ctx context.Context, ref string) (*Subscription, error)

	// FindByCustomerRef retrieves the non-cancelled subscription for the
	// given provider-side customer reference
	FindByCustomerRef(ctx context.Context, ref string) (*Subscription, error)

	// FindDue retrieves billable subscriptions whose current period has
	// ended at or before the given time
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}

// InvoiceRepository defines the interface for persisting and querying
// invoices. Save must enforce uniqueness on (subscription, period start,
// period end) so overlapping cycle passes cannot bill a period twice.
type InvoiceRepository interface {
	// Save persists a new invoice; returns shared.ErrAlreadyExists when an
	// invoice for the same subscription and period already exists
	Save(ctx context.Context, inv *Invoice) error

	// Update updates an existing invoice with an optimistic version check
	Update(ctx context.Context, inv *Invoice) error

	// FindByID retrieves an invoice by its ID
	FindByID(ctx context.Context, id uuid.UUID) (*Invoice, error)

	// FindByPeriod retrieves the invoice covering the exact period window
	// for a subscription
	FindByPeriod(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*Invoice, error)

	// FindOpenBySubscription retrieves payable invoices for a subscription,
	// oldest first
	FindOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Invoice, error)

	// FindByProviderRef retrieves an invoice by its external payment
	// reference
	FindByProviderRef(ctx context.Context, providerRef string) (*Invoice, error)

	// FindByTenantInRange retrieves invoices issued to a tenant within a
	// time range, ordered by creation time
	FindByTenantInRange(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*Invoice, error)

	// NextNumber reserves the next monotonic invoice sequence number for
	// a tenant
	NextNumber(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// UsageCounterRepository defines the interface for usage counters.
// Increment must be a single atomic storage operation, never
// read-modify-write, since many request paths update counters
// concurrently.
type UsageCounterRepository interface {
	// Save persists a new counter
	Save(ctx context.Context, counter *UsageCounter) error

	// Find retrieves the counter for a subscription and resource,
	// or shared.ErrNotFound
	Find(ctx context.Context, subscriptionID uuid.UUID, resource ResourceType) (*UsageCounter, error)

	// FindBySubscription retrieves all counters for a subscription
	FindBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*UsageCounter, error)

	// Increment atomically adds delta to the counter, creating it with the
	// given period when missing, and returns the resulting value
	Increment(ctx context.Context, tenantID, subscriptionID uuid.UUID, resource ResourceType, delta int64, periodStart, periodEnd time.Time) (int64, error)

	// ResetForPeriod zeroes all counters for a subscription at a period
	// boundary
	ResetForPeriod(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) error
}
