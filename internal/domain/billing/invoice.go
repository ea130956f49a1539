package billing

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents the lifecycle state of an invoice
type InvoiceStatus string

const (
	// InvoiceStatusOpen indicates the invoice awaits payment
	InvoiceStatusOpen InvoiceStatus = "open"

	// InvoiceStatusPaid indicates the invoice is settled; paid invoices
	// are immutable
	InvoiceStatusPaid InvoiceStatus = "paid"

	// InvoiceStatusPaymentFailed indicates the last payment attempt failed;
	// the invoice remains payable
	InvoiceStatusPaymentFailed InvoiceStatus = "payment_failed"

	// InvoiceStatusVoid indicates the invoice was cancelled before payment
	InvoiceStatusVoid InvoiceStatus = "void"
)

// String returns the string representation of InvoiceStatus
func (s InvoiceStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known state
func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceStatusOpen, InvoiceStatusPaid, InvoiceStatusPaymentFailed, InvoiceStatusVoid:
		return true
	}
	return false
}

// IsPayable returns true if a payment attempt may be made against
// this status
func (s InvoiceStatus) IsPayable() bool {
	return s == InvoiceStatusOpen || s == InvoiceStatusPaymentFailed
}

// LineItem is a single billable line on an invoice. Quantity times unit
// price must equal amount; negative amounts represent credits.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// LineItems is a slice of LineItem that implements GORM Scanner/Valuer
// for JSONB storage
type LineItems []LineItem

// Value implements driver.Valuer interface for GORM to store as JSONB
func (l LineItems) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner interface for GORM to read from JSONB
func (l *LineItems) Scan(value interface{}) error {
	if value == nil {
		*l = LineItems{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to scan LineItems: unsupported type")
	}

	if len(bytes) == 0 {
		*l = LineItems{}
		return nil
	}

	return json.Unmarshal(bytes, l)
}

// NewLineItem creates a line item with amount derived from quantity and
// unit price
func NewLineItem(description string, quantity, unitPrice decimal.Decimal) LineItem {
	return LineItem{
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Amount:      quantity.Mul(unitPrice),
	}
}

// Invoice bills one subscription period. Exactly one invoice exists per
// (subscription, period start, period end); the repository enforces the
// uniqueness, the aggregate keeps the monetary invariants.
type Invoice struct {
	shared.TenantAggregateRoot
	SubscriptionID uuid.UUID
	Number         string
	Status         InvoiceStatus
	Currency       valueobject.Currency
	LineItems      LineItems
	Subtotal       decimal.Decimal
	Tax            decimal.Decimal
	Discount       decimal.Decimal
	Total          decimal.Decimal
	AmountPaid     decimal.Decimal
	AmountDue      decimal.Decimal
	DueDate        time.Time
	PaidAt         *time.Time
	PeriodStart    time.Time
	PeriodEnd      time.Time
	ProviderRef    string
}

// NewInvoice creates an open invoice for a subscription period
func NewInvoice(
	tenantID, subscriptionID uuid.UUID,
	number string,
	currency valueobject.Currency,
	periodStart, periodEnd time.Time,
	dueDate time.Time,
) (*Invoice, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if subscriptionID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_SUBSCRIPTION", "Subscription ID cannot be empty")
	}
	if number == "" {
		return nil, shared.NewDomainError("INVALID_INVOICE", "Invoice number cannot be empty")
	}
	if !periodStart.Before(periodEnd) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Period start must be before period end")
	}

	return &Invoice{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID),
		SubscriptionID:      subscriptionID,
		Number:              number,
		Status:              InvoiceStatusOpen,
		Currency:            currency,
		LineItems:           make(LineItems, 0),
		Subtotal:            decimal.Zero,
		Tax:                 decimal.Zero,
		Discount:            decimal.Zero,
		Total:               decimal.Zero,
		AmountPaid:          decimal.Zero,
		AmountDue:           decimal.Zero,
		DueDate:             dueDate,
		PeriodStart:         periodStart,
		PeriodEnd:           periodEnd,
	}, nil
}

// FormatInvoiceNumber builds the per-tenant invoice number from a sequence
func FormatInvoiceNumber(seq int64) string {
	return fmt.Sprintf("INV-%06d", seq)
}

// AddLineItem appends a line and recalculates totals. Rejected once the
// invoice is paid or void.
func (i *Invoice) AddLineItem(item LineItem) error {
	if !i.Status.IsPayable() {
		return shared.ErrInvoiceNotPayable
	}
	i.LineItems = append(i.LineItems, item)
	i.recalculate()
	return nil
}

// ApplyTaxRate computes tax as a single-rate multiplier over the
// discounted subtotal
func (i *Invoice) ApplyTaxRate(rate decimal.Decimal) error {
	if !i.Status.IsPayable() {
		return shared.ErrInvoiceNotPayable
	}
	taxable := i.Subtotal.Sub(i.Discount)
	if taxable.IsNegative() {
		taxable = decimal.Zero
	}
	i.Tax = taxable.Mul(rate).Round(2)
	i.recalculate()
	return nil
}

// ApplyDiscountPercent applies a percentage discount to the subtotal
func (i *Invoice) ApplyDiscountPercent(percent decimal.Decimal) error {
	if !i.Status.IsPayable() {
		return shared.ErrInvoiceNotPayable
	}
	i.Discount = i.Subtotal.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
	i.recalculate()
	return nil
}

// recalculate restores the monetary invariants:
// total = subtotal - discount + tax, amountDue = max(0, total - amountPaid)
func (i *Invoice) recalculate() {
	subtotal := decimal.Zero
	for _, item := range i.LineItems {
		subtotal = subtotal.Add(item.Amount)
	}
	i.Subtotal = subtotal

	total := i.Subtotal.Sub(i.Discount).Add(i.Tax)
	if total.IsNegative() {
		total = decimal.Zero
	}
	i.Total = total

	due := i.Total.Sub(i.AmountPaid)
	if due.IsNegative() {
		due = decimal.Zero
	}
	i.AmountDue = due
	i.UpdatedAt = time.Now()
}

// IsPayable returns true if a payment attempt may be made now
func (i *Invoice) IsPayable() bool {
	return i.Status.IsPayable() && i.AmountDue.IsPositive()
}

// MarkPaid settles the invoice. Status, amounts and the provider
// reference are updated together so no partial state is observable.
func (i *Invoice) MarkPaid(providerRef string, paidAt time.Time) error {
	if !i.IsPayable() {
		return shared.ErrInvoiceNotPayable
	}
	i.Status = InvoiceStatusPaid
	i.AmountPaid = i.Total
	i.AmountDue = decimal.Zero
	i.PaidAt = &paidAt
	if providerRef != "" {
		i.ProviderRef = providerRef
	}
	i.UpdatedAt = time.Now()
	i.AddDomainEvent(NewInvoicePaidEvent(i))
	return nil
}

// MarkPaymentFailed records a failed attempt. The invoice stays payable
// and due.
func (i *Invoice) MarkPaymentFailed(providerRef string) error {
	if !i.Status.IsPayable() {
		return shared.ErrInvoiceNotPayable
	}
	i.Status = InvoiceStatusPaymentFailed
	if providerRef != "" {
		i.ProviderRef = providerRef
	}
	i.UpdatedAt = time.Now()
	i.AddDomainEvent(NewInvoicePaymentFailedEvent(i))
	return nil
}

// Void cancels an unpaid invoice
func (i *Invoice) Void() error {
	if i.Status == InvoiceStatusPaid {
		return shared.NewDomainError("INVALID_TRANSITION", "Cannot void a paid invoice")
	}
	if i.Status == InvoiceStatusVoid {
		return nil
	}
	i.Status = InvoiceStatusVoid
	i.AmountDue = decimal.Zero
	i.UpdatedAt = time.Now()
	return nil
}
