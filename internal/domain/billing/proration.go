package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProrationBehavior controls when a plan-change proration is charged
type ProrationBehavior string

const (
	// ProrationImmediate issues an out-of-cycle invoice for the proration
	// right away
	ProrationImmediate ProrationBehavior = "immediate"

	// ProrationNextCycle rolls the proration into the next cycle invoice
	// as a line item
	ProrationNextCycle ProrationBehavior = "next_cycle"
)

// IsValid returns true if the behavior is known
func (b ProrationBehavior) IsValid() bool {
	return b == ProrationImmediate || b == ProrationNextCycle
}

// ProrationAmount computes the charge or credit for switching plans at
// the given instant: the remaining fraction of the current period times
// the price difference. Positive means the tenant owes more (upgrade),
// negative is a credit (downgrade). Rounded to cents.
func ProrationAmount(sub *Subscription, oldPrice, newPrice decimal.Decimal, now time.Time) decimal.Decimal {
	fraction := sub.RemainingPeriodFraction(now)
	if fraction.IsZero() {
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).Mul(fraction).Round(2)
}
