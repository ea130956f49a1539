package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appbilling "github.com/saasbill/backend/internal/application/billing"
	"github.com/saasbill/backend/internal/domain/billing"
)

func TestInvoiceHandler_GenerateInvoice(t *testing.T) {
	t.Run("bills the plan price for the period", func(t *testing.T) {
		f := newHandlerFixture(t)
		plan := f.addPlan(t, "Pro", "79.99")
		sub := f.subscribe(t, plan)
		handler := NewInvoiceHandler(f.subService, f.orch, f.invRepo)

		router := setupTestRouter()
		router.POST("/invoices/generate", handler.GenerateInvoice)

		body, _ := json.Marshal(GenerateInvoiceRequest{
			PeriodStart: sub.CurrentPeriodStart.Format(time.RFC3339),
			PeriodEnd:   sub.CurrentPeriodEnd.Format(time.RFC3339),
		})
		req := httptest.NewRequest(http.MethodPost, "/invoices/generate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)

		var response struct {
			Data InvoiceResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "open", response.Data.Status)
		assert.Equal(t, "79.99", response.Data.Total)
		require.Len(t, response.Data.LineItems, 1)
	})

	t.Run("repeating the window returns the same invoice", func(t *testing.T) {
		f := newHandlerFixture(t)
		plan := f.addPlan(t, "Pro", "79.99")
		sub := f.subscribe(t, plan)
		handler := NewInvoiceHandler(f.subService, f.orch, f.invRepo)

		router := setupTestRouter()
		router.POST("/invoices/generate", handler.GenerateInvoice)

		body, _ := json.Marshal(GenerateInvoiceRequest{
			PeriodStart: sub.CurrentPeriodStart.Format(time.RFC3339),
			PeriodEnd:   sub.CurrentPeriodEnd.Format(time.RFC3339),
		})

		generate := func() InvoiceResponse {
			req := httptest.NewRequest(http.MethodPost, "/invoices/generate", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, http.StatusCreated, w.Code)

			var response struct {
				Data InvoiceResponse `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			return response.Data
		}

		first := generate()
		second := generate()
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.Number, second.Number)
	})

	t.Run("rejects inverted period", func(t *testing.T) {
		f := newHandlerFixture(t)
		handler := NewInvoiceHandler(f.subService, f.orch, f.invRepo)

		router := setupTestRouter()
		router.POST("/invoices/generate", handler.GenerateInvoice)

		now := time.Now()
		body, _ := json.Marshal(GenerateInvoiceRequest{
			PeriodStart: now.Format(time.RFC3339),
			PeriodEnd:   now.AddDate(0, -1, 0).Format(time.RFC3339),
		})
		req := httptest.NewRequest(http.MethodPost, "/invoices/generate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no subscription", func(t *testing.T) {
		f := newHandlerFixture(t)
		handler := NewInvoiceHandler(f.subService, f.orch, f.invRepo)

		router := setupTestRouter()
		router.POST("/invoices/generate", handler.GenerateInvoice)

		now := time.Now()
		body, _ := json.Marshal(GenerateInvoiceRequest{
			PeriodStart: now.Format(time.RFC3339),
			PeriodEnd:   now.AddDate(0, 1, 0).Format(time.RFC3339),
		})
		req := httptest.NewRequest(http.MethodPost, "/invoices/generate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// generateInvoice creates a real invoice through the service for read tests
func generateInvoice(t *testing.T, f *handlerFixture, sub *billing.Subscription) *billing.Invoice {
	t.Helper()
	invoice, err := f.subService.GenerateInvoice(context.Background(), sub.TenantID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	return invoice
}

func TestInvoiceHandler_GetInvoice(t *testing.T) {
	f := newHandlerFixture(t)
	plan := f.addPlan(t, "Pro", "79.99")
	sub := f.subscribe(t, plan)
	invoice := generateInvoice(t, f, sub)
	handler := NewInvoiceHandler(f.subService, f.orch, f.invRepo)

	router := setupTestRouter()
	router.GET("/invoices/:id", handler.GetInvoice)

	t.Run("success", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/invoices/"+invoice.GetID().String(), nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response struct {
			Data InvoiceResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, invoice.Number, response.Data.Number)
	})

	t.Run("unknown id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/invoices/"+uuid.NewString(), nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("another tenant's invoice reads as missing", func(t *testing.T) {
		otherSub, err := f.subService.CreateSubscription(context.Background(), appbilling.CreateSubscriptionInput{
			TenantID:     uuid.New(),
			PlanID:       plan.GetID(),
			ProviderType: "stripe",
		})
		require.NoError(t, err)
		otherInvoice := generateInvoice(t, f, otherSub)

		req := httptest.NewRequest(http.MethodGet, "/invoices/"+otherInvoice.GetID().String(), nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestInvoiceHandler_ListInvoices(t *testing.T) {
	f := newHandlerFixture(t)
	plan := f.addPlan(t, "Pro", "79.99")
	sub := f.subscribe(t, plan)
	generateInvoice(t, f, sub)
	handler := NewInvoiceHandler(f.subService, f.orch, f.invRepo)

	router := setupTestRouter()
	router.GET("/invoices", handler.ListInvoices)

	t.Run("default trailing window", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/invoices", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response struct {
			Data []InvoiceResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Len(t, response.Data, 1)
	})

	t.Run("explicit range excluding the invoice", func(t *testing.T) {
		start := time.Now().AddDate(-1, 0, 0)
		end := time.Now().AddDate(0, -6, 0)
		query := url.Values{}
		query.Set("start", start.Format(time.RFC3339))
		query.Set("end", end.Format(time.RFC3339))

		req := httptest.NewRequest(http.MethodGet, "/invoices?"+query.Encode(), nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response struct {
			Data []InvoiceResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Empty(t, response.Data)
	})

	t.Run("inverted range", func(t *testing.T) {
		query := url.Values{}
		query.Set("start", time.Now().Format(time.RFC3339))
		query.Set("end", time.Now().AddDate(0, 0, -1).Format(time.RFC3339))

		req := httptest.NewRequest(http.MethodGet, "/invoices?"+query.Encode(), nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestInvoiceHandler_GetBillingReport(t *testing.T) {
	f := newHandlerFixture(t)
	plan := f.addPlan(t, "Pro", "79.99")
	sub := f.subscribe(t, plan)
	generateInvoice(t, f, sub)
	handler := NewInvoiceHandler(f.subService, f.orch, f.invRepo)

	router := setupTestRouter()
	router.GET("/invoices/report", handler.GetBillingReport)

	req := httptest.NewRequest(http.MethodGet, "/invoices/report", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data appbilling.BillingReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 1, response.Data.InvoiceCount)
	assert.Equal(t, testTenantID, response.Data.TenantID)
}
