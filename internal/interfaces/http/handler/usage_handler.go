package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	appbilling "github.com/saasbill/backend/internal/application/billing"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
)

// UsageHandler handles usage metering HTTP requests: quota checks,
// counter increments, and the per-tenant usage view.
type UsageHandler struct {
	BaseHandler
	subService *appbilling.SubscriptionService
	subRepo    billing.SubscriptionRepository
	usageRepo  billing.UsageCounterRepository
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(
	subService *appbilling.SubscriptionService,
	subRepo billing.SubscriptionRepository,
	usageRepo billing.UsageCounterRepository,
) *UsageHandler {
	return &UsageHandler{
		subService: subService,
		subRepo:    subRepo,
		usageRepo:  usageRepo,
	}
}

// CheckQuota reports whether the tenant may consume more units of a
// resource. Read-only; nothing is incremented.
func (h *UsageHandler) CheckQuota(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	resource := billing.ResourceType(c.Query("resource"))
	if resource == "" {
		h.BadRequest(c, "resource query parameter is required")
		return
	}

	amount := int64(1)
	if raw := c.Query("amount"); raw != "" {
		amount, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || amount <= 0 {
			h.BadRequest(c, "amount must be a positive integer")
			return
		}
	}

	check, err := h.subService.CheckQuotaLimit(c.Request.Context(), tenantID, resource, amount)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Tenant has no active subscription")
			return
		}
		h.HandleError(c, err)
		return
	}

	h.Success(c, toQuotaCheckResponse(check))
}

// UpdateUsageRequest represents a usage counter increment
type UpdateUsageRequest struct {
	Resource  string `json:"resource" binding:"required"`
	Increment int64  `json:"increment" binding:"required,min=1"`
}

// UsageUpdateResponse returns the counter value after the increment
type UsageUpdateResponse struct {
	Resource string `json:"resource"`
	Used     int64  `json:"used"`
}

// UpdateUsage atomically increments the tenant's usage counter
func (h *UsageHandler) UpdateUsage(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	var req UpdateUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	total, err := h.subService.UpdateUsage(c.Request.Context(), tenantID,
		billing.ResourceType(req.Resource), req.Increment)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Tenant has no active subscription")
			return
		}
		h.HandleError(c, err)
		return
	}

	h.Success(c, UsageUpdateResponse{Resource: req.Resource, Used: total})
}

// ResetUsage zeroes every usage counter on the tenant's live
// subscription. Support-operation path; the billing cycle resets
// counters automatically at each period boundary.
func (h *UsageHandler) ResetUsage(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	if err := h.subService.ResetUsage(c.Request.Context(), tenantID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Tenant has no active subscription")
			return
		}
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}

// UsageCounterResponse represents one usage counter in API responses
type UsageCounterResponse struct {
	Resource    string `json:"resource"`
	Used        int64  `json:"used"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// ListUsage returns all usage counters for the tenant's current period
func (h *UsageHandler) ListUsage(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	sub, err := h.subRepo.FindActiveByTenant(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Tenant has no active subscription")
			return
		}
		h.HandleError(c, err)
		return
	}

	counters, err := h.usageRepo.FindBySubscription(c.Request.Context(), sub.GetID())
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		h.HandleError(c, err)
		return
	}

	responses := make([]UsageCounterResponse, 0, len(counters))
	for _, counter := range counters {
		responses = append(responses, UsageCounterResponse{
			Resource:    counter.Resource.String(),
			Used:        counter.Used,
			PeriodStart: counter.PeriodStart.Format(time.RFC3339),
			PeriodEnd:   counter.PeriodEnd.Format(time.RFC3339),
		})
	}
	h.Success(c, responses)
}
