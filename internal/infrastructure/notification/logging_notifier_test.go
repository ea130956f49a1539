package notification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared/valueobject"
)

func newTestInvoice(t *testing.T) *billing.Invoice {
	t.Helper()

	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	inv, err := billing.NewInvoice(
		uuid.New(),
		uuid.New(),
		"INV-000042",
		valueobject.USD,
		periodStart,
		periodEnd,
		periodEnd.AddDate(0, 0, 7),
	)
	require.NoError(t, err)
	require.NoError(t, inv.AddLineItem(billing.NewLineItem("Pro plan", decimal.NewFromInt(1), decimal.NewFromFloat(79.99))))
	return inv
}

func TestLoggingNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	notifier := NewLoggingNotifier(zap.New(core))
	ctx := context.Background()

	t.Run("payment succeeded logs at info", func(t *testing.T) {
		inv := newTestInvoice(t)
		require.NoError(t, notifier.PaymentSucceeded(ctx, inv))

		entries := logs.FilterMessage("payment succeeded").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, inv.ID.String(), fields["invoice_id"])
		assert.Equal(t, "INV-000042", fields["invoice_number"])
		assert.Equal(t, "79.99", fields["total"])
	})

	t.Run("payment failed logs at warn with reason", func(t *testing.T) {
		inv := newTestInvoice(t)
		require.NoError(t, notifier.PaymentFailed(ctx, inv, "card_declined"))

		entries := logs.FilterMessage("payment failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
		assert.Equal(t, "card_declined", entries[0].ContextMap()["reason"])
	})

	t.Run("nil logger falls back to nop", func(t *testing.T) {
		n := NewLoggingNotifier(nil)
		assert.NoError(t, n.PaymentSucceeded(ctx, newTestInvoice(t)))
	})
}
