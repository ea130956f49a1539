package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// ResourceType identifies a metered resource governed by plan quotas
type ResourceType string

const (
	// ResourceAPICall counts API requests made by the tenant
	ResourceAPICall ResourceType = "api_call"

	// ResourceStorageMB counts storage consumed in megabytes
	ResourceStorageMB ResourceType = "storage_mb"

	// ResourceSeat counts provisioned user seats
	ResourceSeat ResourceType = "seat"

	// ResourceProject counts active projects
	ResourceProject ResourceType = "project"
)

// String returns the string representation of ResourceType
func (r ResourceType) String() string {
	return string(r)
}

// UsageCounter tracks consumption of one resource for one subscription
// within the current billing period. Increments happen atomically at the
// storage layer; this aggregate never does read-modify-write math on Used.
type UsageCounter struct {
	shared.TenantAggregateRoot
	SubscriptionID uuid.UUID
	Resource       ResourceType
	Used           int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// NewUsageCounter creates a zeroed counter for the given period
func NewUsageCounter(tenantID, subscriptionID uuid.UUID, resource ResourceType, periodStart, periodEnd time.Time) (*UsageCounter, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if subscriptionID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_SUBSCRIPTION", "Subscription ID cannot be empty")
	}
	if resource == "" {
		return nil, shared.NewDomainError("INVALID_RESOURCE", "Resource type cannot be empty")
	}

	return &UsageCounter{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID),
		SubscriptionID:      subscriptionID,
		Resource:            resource,
		PeriodStart:         periodStart,
		PeriodEnd:           periodEnd,
	}, nil
}

// Reset zeroes the counter for a new billing period
func (c *UsageCounter) Reset(periodStart, periodEnd time.Time) {
	c.Used = 0
	c.PeriodStart = periodStart
	c.PeriodEnd = periodEnd
	c.UpdatedAt = time.Now()
}

// QuotaCheck is the result of comparing usage against a plan quota
type QuotaCheck struct {
	Resource     ResourceType
	Allowed      bool
	Unlimited    bool
	CurrentUsage int64
	Limit        int64
	Remaining    int64
}

// CheckQuota evaluates whether requestedAmount more units fit within the
// plan's quota. A resource absent from the quota map is unlimited.
func CheckQuota(plan *Plan, resource ResourceType, currentUsage, requestedAmount int64) QuotaCheck {
	check := QuotaCheck{
		Resource:     resource,
		CurrentUsage: currentUsage,
	}

	limit, limited := plan.QuotaFor(resource)
	if !limited {
		check.Allowed = true
		check.Unlimited = true
		check.Limit = -1
		check.Remaining = -1
		return check
	}

	check.Limit = limit
	check.Remaining = limit - currentUsage
	if check.Remaining < 0 {
		check.Remaining = 0
	}
	check.Allowed = currentUsage+requestedAmount <= limit
	return check
}

// OverageFor computes the billable overage amount for a counter against
// the plan's quota and per-unit overage rate. Returns zero when the
// resource is unlimited, within quota, or carries no overage rate.
func OverageFor(plan *Plan, counter *UsageCounter) (units int64, amount decimal.Decimal) {
	limit, limited := plan.QuotaFor(counter.Resource)
	if !limited || counter.Used <= limit {
		return 0, decimal.Zero
	}
	rate, ok := plan.OverageRateFor(counter.Resource)
	if !ok || rate.IsZero() {
		return 0, decimal.Zero
	}
	units = counter.Used - limit
	return units, rate.Mul(decimal.NewFromInt(units)).Round(2)
}
