package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appbilling "github.com/saasbill/backend/internal/application/billing"
	apppayment "github.com/saasbill/backend/internal/application/payment"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/payment"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// PaymentHandler handles payment execution HTTP requests: invoice
// charges, out-of-cycle overage billing, and refunds.
type PaymentHandler struct {
	BaseHandler
	orchestrator *appbilling.Orchestrator
	dispatcher   *apppayment.Dispatcher
	invoiceRepo  billing.InvoiceRepository
	subRepo      billing.SubscriptionRepository
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(
	orchestrator *appbilling.Orchestrator,
	dispatcher *apppayment.Dispatcher,
	invoiceRepo billing.InvoiceRepository,
	subRepo billing.SubscriptionRepository,
) *PaymentHandler {
	return &PaymentHandler{
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		invoiceRepo:  invoiceRepo,
		subRepo:      subRepo,
	}
}

// ChargeResultResponse represents a payment attempt outcome
type ChargeResultResponse struct {
	Success      bool            `json:"success"`
	Provider     string          `json:"provider"`
	PaymentID    string          `json:"payment_id,omitempty"`
	Amount       string          `json:"amount"`
	Currency     string          `json:"currency"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Invoice      InvoiceResponse `json:"invoice"`
}

// PayInvoice charges an open invoice through the subscription's payment
// provider. Invoice and subscription state reflect the outcome.
func (h *PaymentHandler) PayInvoice(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	invoiceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid invoice ID")
		return
	}

	invoice, err := h.invoiceRepo.FindByID(c.Request.Context(), invoiceID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Invoice not found")
			return
		}
		h.HandleError(c, err)
		return
	}
	if invoice.TenantID != tenantID {
		h.NotFound(c, "Invoice not found")
		return
	}

	sub, err := h.subRepo.FindByID(c.Request.Context(), invoice.SubscriptionID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	result, err := h.orchestrator.ProcessInvoicePayment(c.Request.Context(), invoice, sub)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := ChargeResultResponse{
		Success:      result.Success,
		Provider:     result.Provider.String(),
		PaymentID:    result.PaymentID,
		Amount:       result.Amount.StringFixed(2),
		Currency:     result.Currency,
		ErrorMessage: result.ErrorMessage,
		Invoice:      toInvoiceResponse(invoice),
	}
	// A declined charge is a completed request; the outcome rides in the
	// response body rather than the status code
	if !result.Success {
		resp.ErrorKind = result.ErrorKind.String()
	}
	h.Success(c, resp)
}

// TriggerOverageBilling bills accumulated usage beyond quota out of
// cycle and attempts payment immediately
func (h *PaymentHandler) TriggerOverageBilling(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	invoice, err := h.orchestrator.ProcessOverageBilling(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Tenant has no active subscription")
			return
		}
		h.HandleError(c, err)
		return
	}
	if invoice == nil {
		h.NoContent(c)
		return
	}

	h.Created(c, toInvoiceResponse(invoice))
}

// RefundRequest represents the request to refund a prior payment
type RefundRequest struct {
	Provider  string `json:"provider" binding:"required,oneof=stripe alipay"`
	PaymentID string `json:"payment_id" binding:"required"`
	// Amount refunds partially when set; empty refunds the full payment
	Amount string `json:"amount"`
}

// RefundResultResponse represents a refund outcome
type RefundResultResponse struct {
	Success      bool   `json:"success"`
	Provider     string `json:"provider"`
	RefundID     string `json:"refund_id,omitempty"`
	Amount       string `json:"amount"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Refund returns funds for a prior payment through its provider
func (h *PaymentHandler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		parsed, err := decimal.NewFromString(req.Amount)
		if err != nil || parsed.IsNegative() {
			h.BadRequest(c, "amount must be a non-negative decimal")
			return
		}
		amount = parsed
	}

	result, err := h.dispatcher.Refund(c.Request.Context(),
		payment.ProviderType(req.Provider), req.PaymentID, amount)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := RefundResultResponse{
		Success:      result.Success,
		Provider:     result.Provider.String(),
		RefundID:     result.RefundID,
		Amount:       result.Amount.StringFixed(2),
		ErrorMessage: result.ErrorMessage,
	}
	if !result.Success {
		resp.ErrorKind = result.ErrorKind.String()
	}
	h.Success(c, resp)
}
