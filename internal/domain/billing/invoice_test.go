package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/domain/shared/valueobject"
)

func testInvoice(t *testing.T) *Invoice {
	t.Helper()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inv, err := NewInvoice(uuid.New(), uuid.New(), FormatInvoiceNumber(1),
		valueobject.USD, start, start.AddDate(0, 1, 0), start.AddDate(0, 0, 7))
	require.NoError(t, err)
	return inv
}

func TestNewInvoice(t *testing.T) {
	t.Run("creates open invoice", func(t *testing.T) {
		inv := testInvoice(t)
		assert.Equal(t, InvoiceStatusOpen, inv.Status)
		assert.Equal(t, "INV-000001", inv.Number)
		assert.True(t, inv.Total.IsZero())
		assert.True(t, inv.AmountDue.IsZero())
	})

	t.Run("rejects inverted period", func(t *testing.T) {
		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		_, err := NewInvoice(uuid.New(), uuid.New(), "INV-000001",
			valueobject.USD, start, start, start)
		assert.Error(t, err)
	})
}

func TestInvoice_AmountDueInvariant(t *testing.T) {
	inv := testInvoice(t)

	// The invariant amountDue == max(0, total - amountPaid) must hold
	// after every mutation
	check := func() {
		expected := inv.Total.Sub(inv.AmountPaid)
		if expected.IsNegative() {
			expected = decimal.Zero
		}
		assert.True(t, inv.AmountDue.Equal(expected),
			"amountDue %s != max(0, %s - %s)", inv.AmountDue, inv.Total, inv.AmountPaid)
	}

	require.NoError(t, inv.AddLineItem(NewLineItem("Pro plan", decimal.NewFromInt(1), decimal.NewFromFloat(79.99))))
	check()

	require.NoError(t, inv.ApplyDiscountPercent(decimal.NewFromInt(10)))
	check()

	require.NoError(t, inv.ApplyTaxRate(decimal.NewFromFloat(0.08)))
	check()

	require.NoError(t, inv.MarkPaid("pi_123", time.Now()))
	check()
	assert.True(t, inv.AmountDue.IsZero())
	assert.True(t, inv.AmountPaid.Equal(inv.Total))
}

func TestInvoice_LineItems(t *testing.T) {
	t.Run("subtotal sums line amounts", func(t *testing.T) {
		inv := testInvoice(t)
		require.NoError(t, inv.AddLineItem(NewLineItem("Pro plan", decimal.NewFromInt(1), decimal.NewFromFloat(79.99))))
		require.NoError(t, inv.AddLineItem(NewLineItem("API overage", decimal.NewFromInt(500), decimal.NewFromFloat(0.01))))

		assert.True(t, inv.Subtotal.Equal(decimal.NewFromFloat(84.99)))
		assert.True(t, inv.Total.Equal(decimal.NewFromFloat(84.99)))
	})

	t.Run("credit line reduces total", func(t *testing.T) {
		inv := testInvoice(t)
		require.NoError(t, inv.AddLineItem(NewLineItem("Pro plan", decimal.NewFromInt(1), decimal.NewFromFloat(79.99))))
		require.NoError(t, inv.AddLineItem(NewLineItem("Plan change credit", decimal.NewFromInt(1), decimal.NewFromFloat(-25))))

		assert.True(t, inv.Total.Equal(decimal.NewFromFloat(54.99)))
	})

	t.Run("credits never push total negative", func(t *testing.T) {
		inv := testInvoice(t)
		require.NoError(t, inv.AddLineItem(NewLineItem("Basic plan", decimal.NewFromInt(1), decimal.NewFromFloat(9.99))))
		require.NoError(t, inv.AddLineItem(NewLineItem("Plan change credit", decimal.NewFromInt(1), decimal.NewFromFloat(-25))))

		assert.True(t, inv.Total.IsZero())
		assert.True(t, inv.AmountDue.IsZero())
	})
}

func TestInvoice_MarkPaid(t *testing.T) {
	t.Run("settles and freezes the invoice", func(t *testing.T) {
		inv := testInvoice(t)
		require.NoError(t, inv.AddLineItem(NewLineItem("Pro plan", decimal.NewFromInt(1), decimal.NewFromFloat(79.99))))

		paidAt := time.Now()
		require.NoError(t, inv.MarkPaid("pi_abc", paidAt))
		assert.Equal(t, InvoiceStatusPaid, inv.Status)
		assert.Equal(t, "pi_abc", inv.ProviderRef)
		require.NotNil(t, inv.PaidAt)

		// Paid invoices reject further mutation
		assert.ErrorIs(t, inv.AddLineItem(NewLineItem("late", decimal.NewFromInt(1), decimal.NewFromInt(1))), shared.ErrInvoiceNotPayable)
		assert.ErrorIs(t, inv.MarkPaid("pi_other", time.Now()), shared.ErrInvoiceNotPayable)
		assert.Error(t, inv.Void())
	})

	t.Run("zero amount due is not payable", func(t *testing.T) {
		inv := testInvoice(t)
		assert.False(t, inv.IsPayable())
		assert.ErrorIs(t, inv.MarkPaid("pi_abc", time.Now()), shared.ErrInvoiceNotPayable)
	})
}

func TestInvoice_MarkPaymentFailed(t *testing.T) {
	inv := testInvoice(t)
	require.NoError(t, inv.AddLineItem(NewLineItem("Pro plan", decimal.NewFromInt(1), decimal.NewFromFloat(79.99))))

	require.NoError(t, inv.MarkPaymentFailed("pi_failed"))
	assert.Equal(t, InvoiceStatusPaymentFailed, inv.Status)

	// Failed invoices stay due and remain payable
	assert.True(t, inv.AmountDue.Equal(decimal.NewFromFloat(79.99)))
	assert.True(t, inv.IsPayable())
	require.NoError(t, inv.MarkPaid("pi_retry", time.Now()))
	assert.Equal(t, InvoiceStatusPaid, inv.Status)
}

func TestInvoice_Void(t *testing.T) {
	inv := testInvoice(t)
	require.NoError(t, inv.AddLineItem(NewLineItem("Pro plan", decimal.NewFromInt(1), decimal.NewFromFloat(79.99))))

	require.NoError(t, inv.Void())
	assert.Equal(t, InvoiceStatusVoid, inv.Status)
	assert.True(t, inv.AmountDue.IsZero())
	assert.False(t, inv.IsPayable())

	// Voiding twice is harmless
	require.NoError(t, inv.Void())
}

func TestFormatInvoiceNumber(t *testing.T) {
	assert.Equal(t, "INV-000001", FormatInvoiceNumber(1))
	assert.Equal(t, "INV-000042", FormatInvoiceNumber(42))
	assert.Equal(t, "INV-1000000", FormatInvoiceNumber(1000000))
}
