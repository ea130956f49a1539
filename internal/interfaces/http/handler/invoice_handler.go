package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appbilling "github.com/saasbill/backend/internal/application/billing"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
)

// InvoiceHandler handles invoice HTTP requests
type InvoiceHandler struct {
	BaseHandler
	subService   *appbilling.SubscriptionService
	orchestrator *appbilling.Orchestrator
	invoiceRepo  billing.InvoiceRepository
}

// NewInvoiceHandler creates a new InvoiceHandler
func NewInvoiceHandler(
	subService *appbilling.SubscriptionService,
	orchestrator *appbilling.Orchestrator,
	invoiceRepo billing.InvoiceRepository,
) *InvoiceHandler {
	return &InvoiceHandler{
		subService:   subService,
		orchestrator: orchestrator,
		invoiceRepo:  invoiceRepo,
	}
}

// GenerateInvoiceRequest represents the request to generate an invoice
// for an explicit billing period
type GenerateInvoiceRequest struct {
	PeriodStart string `json:"period_start" binding:"required"`
	PeriodEnd   string `json:"period_end" binding:"required"`
}

// GenerateInvoice constructs the invoice for one billing period.
// Repeating the call with the same window returns the existing invoice.
func (h *InvoiceHandler) GenerateInvoice(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	var req GenerateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	periodStart, err := time.Parse(time.RFC3339, req.PeriodStart)
	if err != nil {
		h.BadRequest(c, "period_start must be RFC3339")
		return
	}
	periodEnd, err := time.Parse(time.RFC3339, req.PeriodEnd)
	if err != nil {
		h.BadRequest(c, "period_end must be RFC3339")
		return
	}
	if !periodEnd.After(periodStart) {
		h.BadRequest(c, "period_end must be after period_start")
		return
	}

	invoice, err := h.subService.GenerateInvoice(c.Request.Context(), tenantID, periodStart, periodEnd)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Tenant has no active subscription")
			return
		}
		h.HandleError(c, err)
		return
	}

	h.Created(c, toInvoiceResponse(invoice))
}

// GetInvoice returns a single invoice belonging to the current tenant
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
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
	// Cross-tenant reads are indistinguishable from missing invoices
	if invoice.TenantID != tenantID {
		h.NotFound(c, "Invoice not found")
		return
	}

	h.Success(c, toInvoiceResponse(invoice))
}

// ListInvoices returns the tenant's invoices within a time range.
// The range defaults to the trailing 90 days.
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	start, end, err := parseRangeQuery(c)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	invoices, err := h.invoiceRepo.FindByTenantInRange(c.Request.Context(), tenantID, start, end)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	responses := make([]InvoiceResponse, 0, len(invoices))
	for _, invoice := range invoices {
		responses = append(responses, toInvoiceResponse(invoice))
	}
	h.Success(c, responses)
}

// GetBillingReport aggregates the tenant's invoice totals over a range
func (h *InvoiceHandler) GetBillingReport(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	start, end, err := parseRangeQuery(c)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	report, err := h.orchestrator.GenerateBillingReport(c.Request.Context(), tenantID, start, end)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, report)
}

// parseRangeQuery reads the start and end query parameters as RFC3339
// timestamps, defaulting to the trailing 90 days
func parseRangeQuery(c *gin.Context) (time.Time, time.Time, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -90)

	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("start must be RFC3339")
		}
		start = parsed
	}
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("end must be RFC3339")
		}
		end = parsed
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start, end, nil
}
