package billing

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
)

// BillingCycle defines how often a plan bills
type BillingCycle string

const (
	// BillingCycleWeekly bills every 7 days
	BillingCycleWeekly BillingCycle = "weekly"

	// BillingCycleMonthly bills every calendar month
	BillingCycleMonthly BillingCycle = "monthly"

	// BillingCycleYearly bills every calendar year
	BillingCycleYearly BillingCycle = "yearly"
)

// String returns the string representation of BillingCycle
func (c BillingCycle) String() string {
	return string(c)
}

// IsValid returns true if the billing cycle is valid
func (c BillingCycle) IsValid() bool {
	switch c {
	case BillingCycleWeekly, BillingCycleMonthly, BillingCycleYearly:
		return true
	}
	return false
}

// Advance returns the given time moved forward by exactly one cycle.
// Periods advance from the previous boundary, never from wall-clock now,
// so subscriptions do not drift when a pass runs late.
func (c BillingCycle) Advance(from time.Time) time.Time {
	switch c {
	case BillingCycleWeekly:
		return from.AddDate(0, 0, 7)
	case BillingCycleYearly:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// PeriodDuration returns the nominal duration of one cycle starting at from
func (c BillingCycle) PeriodDuration(from time.Time) time.Duration {
	return c.Advance(from).Sub(from)
}

// Plan represents a subscription plan offered to tenants.
// Pricing and limits are immutable once an active subscription references
// the plan; only metadata may change afterwards.
type Plan struct {
	shared.BaseAggregateRoot
	Name         string
	Description  string
	Price        valueobject.Money
	Cycle        BillingCycle
	TrialDays    int
	SetupFee     valueobject.Money
	Features     FeatureMap
	Quotas       QuotaMap
	OverageRates OverageRateMap
	IsActive     bool
}

// FeatureMap maps feature keys to their enabled state.
// It implements GORM Scanner/Valuer for JSONB storage.
type FeatureMap map[string]bool

// Value implements driver.Valuer interface for GORM to store as JSONB
func (f FeatureMap) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner interface for GORM to read from JSONB
func (f *FeatureMap) Scan(value interface{}) error {
	return scanJSONMap(value, f, "FeatureMap")
}

// QuotaMap maps resource types to their included limit.
// A resource absent from the map is unlimited.
// It implements GORM Scanner/Valuer for JSONB storage.
type QuotaMap map[ResourceType]int64

// Value implements driver.Valuer interface for GORM to store as JSONB
func (q QuotaMap) Value() (driver.Value, error) {
	if q == nil {
		return "{}", nil
	}
	return json.Marshal(q)
}

// Scan implements sql.Scanner interface for GORM to read from JSONB
func (q *QuotaMap) Scan(value interface{}) error {
	return scanJSONMap(value, q, "QuotaMap")
}

// OverageRateMap maps resource types to the per-unit price charged
// for usage beyond the included quota.
// It implements GORM Scanner/Valuer for JSONB storage.
type OverageRateMap map[ResourceType]decimal.Decimal

// Value implements driver.Valuer interface for GORM to store as JSONB
func (o OverageRateMap) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	return json.Marshal(o)
}

// Scan implements sql.Scanner interface for GORM to read from JSONB
func (o *OverageRateMap) Scan(value interface{}) error {
	return scanJSONMap(value, o, "OverageRateMap")
}

func scanJSONMap(value interface{}, dest interface{}, name string) error {
	if value == nil {
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to scan " + name + ": unsupported type")
	}

	if len(bytes) == 0 {
		return nil
	}

	return json.Unmarshal(bytes, dest)
}

// NewPlan creates a new plan
func NewPlan(name string, price valueobject.Money, cycle BillingCycle) (*Plan, error) {
	if name == "" {
		return nil, shared.NewDomainError("INVALID_PLAN", "Plan name cannot be empty")
	}
	if price.IsNegative() {
		return nil, shared.NewDomainError("INVALID_PLAN", "Plan price cannot be negative")
	}
	if !cycle.IsValid() {
		return nil, shared.NewDomainError("INVALID_PLAN", "Invalid billing cycle")
	}

	return &Plan{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		Name:              name,
		Price:             price,
		Cycle:             cycle,
		SetupFee:          valueobject.Zero(price.Currency()),
		Features:          make(FeatureMap),
		Quotas:            make(QuotaMap),
		OverageRates:      make(OverageRateMap),
		IsActive:          true,
	}, nil
}

// WithTrialDays sets the trial length in days
func (p *Plan) WithTrialDays(days int) *Plan {
	if days >= 0 {
		p.TrialDays = days
	}
	return p
}

// WithSetupFee sets the one-time setup fee
func (p *Plan) WithSetupFee(fee valueobject.Money) *Plan {
	if !fee.IsNegative() {
		p.SetupFee = fee
	}
	return p
}

// WithQuota sets the included limit for a resource type
func (p *Plan) WithQuota(resource ResourceType, limit int64) *Plan {
	if limit >= 0 {
		p.Quotas[resource] = limit
	}
	return p
}

// WithOverageRate sets the per-unit overage price for a resource type
func (p *Plan) WithOverageRate(resource ResourceType, perUnit decimal.Decimal) *Plan {
	if !perUnit.IsNegative() {
		p.OverageRates[resource] = perUnit
	}
	return p
}

// WithFeature enables or disables a feature flag on the plan
func (p *Plan) WithFeature(key string, enabled bool) *Plan {
	p.Features[key] = enabled
	return p
}

// QuotaFor returns the included limit for a resource type.
// The second return value is false when the resource is unlimited.
func (p *Plan) QuotaFor(resource ResourceType) (int64, bool) {
	limit, ok := p.Quotas[resource]
	return limit, ok
}

// OverageRateFor returns the per-unit overage price for a resource type
func (p *Plan) OverageRateFor(resource ResourceType) (decimal.Decimal, bool) {
	rate, ok := p.OverageRates[resource]
	return rate, ok
}

// HasTrial returns true if the plan includes a trial period
func (p *Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// Deactivate hides the plan from new subscriptions.
// Existing subscriptions keep billing against it.
func (p *Plan) Deactivate() {
	p.IsActive = false
	p.UpdatedAt = time.Now()
}

// Activate makes the plan available for new subscriptions
func (p *Plan) Activate() {
	p.IsActive = true
	p.UpdatedAt = time.Now()
}

// UpdateDescription changes plan metadata. Pricing fields stay fixed
// once a subscription references the plan.
func (p *Plan) UpdateDescription(description string) {
	p.Description = description
	p.UpdatedAt = time.Now()
}
