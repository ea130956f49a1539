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

// SubscriptionHandler handles subscription lifecycle HTTP requests
type SubscriptionHandler struct {
	BaseHandler
	subService *appbilling.SubscriptionService
	subRepo    billing.SubscriptionRepository
}

// NewSubscriptionHandler creates a new SubscriptionHandler
func NewSubscriptionHandler(
	subService *appbilling.SubscriptionService,
	subRepo billing.SubscriptionRepository,
) *SubscriptionHandler {
	return &SubscriptionHandler{
		subService: subService,
		subRepo:    subRepo,
	}
}

// CreateSubscriptionRequest represents the request to create a subscription
type CreateSubscriptionRequest struct {
	PlanID            string `json:"plan_id" binding:"required,uuid"`
	ProviderType      string `json:"provider_type" binding:"required,oneof=stripe alipay"`
	CustomerRef       string `json:"customer_ref"`
	TrialDaysOverride *int   `json:"trial_days_override" binding:"omitempty,min=0"`
}

// CreateSubscription signs the current tenant up for a plan
func (h *SubscriptionHandler) CreateSubscription(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	planID, err := uuid.Parse(req.PlanID)
	if err != nil {
		h.BadRequest(c, "Invalid plan ID")
		return
	}

	sub, err := h.subService.CreateSubscription(c.Request.Context(), appbilling.CreateSubscriptionInput{
		TenantID:          tenantID,
		PlanID:            planID,
		ProviderType:      req.ProviderType,
		CustomerRef:       req.CustomerRef,
		TrialDaysOverride: req.TrialDaysOverride,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, toSubscriptionResponse(sub))
}

// GetCurrentSubscription returns the tenant's non-cancelled subscription
func (h *SubscriptionHandler) GetCurrentSubscription(c *gin.Context) {
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

	h.Success(c, toSubscriptionResponse(sub))
}

// ChangePlanRequest represents the request to upgrade or downgrade
type ChangePlanRequest struct {
	NewPlanID string `json:"new_plan_id" binding:"required,uuid"`
	// ProrationBehavior applies to upgrades only: immediate or next_cycle
	ProrationBehavior string `json:"proration_behavior" binding:"omitempty,oneof=immediate next_cycle"`
	// DowngradeAt applies to downgrades only; empty defers to the next
	// period boundary
	DowngradeAt string `json:"downgrade_at" binding:"omitempty"`
}

// UpgradeResponse pairs the moved subscription with the proration
// invoice, when one was issued immediately
type UpgradeResponse struct {
	Subscription SubscriptionResponse `json:"subscription"`
	Invoice      *InvoiceResponse     `json:"invoice,omitempty"`
}

// Upgrade moves the tenant to a higher plan immediately
func (h *SubscriptionHandler) Upgrade(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	newPlanID, err := uuid.Parse(req.NewPlanID)
	if err != nil {
		h.BadRequest(c, "Invalid plan ID")
		return
	}
	behavior := billing.ProrationBehavior(req.ProrationBehavior)
	if req.ProrationBehavior == "" {
		behavior = billing.ProrationImmediate
	}

	sub, invoice, err := h.subService.Upgrade(c.Request.Context(), tenantID, newPlanID, behavior)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := UpgradeResponse{Subscription: toSubscriptionResponse(sub)}
	if invoice != nil {
		inv := toInvoiceResponse(invoice)
		resp.Invoice = &inv
	}
	h.Success(c, resp)
}

// Downgrade schedules a move to a lower plan. The change lands at the
// next period boundary unless an explicit effective time is given.
func (h *SubscriptionHandler) Downgrade(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	newPlanID, err := uuid.Parse(req.NewPlanID)
	if err != nil {
		h.BadRequest(c, "Invalid plan ID")
		return
	}

	var downgradeAt *time.Time
	if req.DowngradeAt != "" {
		at, err := time.Parse(time.RFC3339, req.DowngradeAt)
		if err != nil {
			h.BadRequest(c, "downgrade_at must be RFC3339")
			return
		}
		downgradeAt = &at
	}

	sub, err := h.subService.Downgrade(c.Request.Context(), tenantID, newPlanID, downgradeAt)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toSubscriptionResponse(sub))
}

// CancelSubscriptionRequest represents the request to cancel
type CancelSubscriptionRequest struct {
	// CancelAt in the future schedules cancellation at the period
	// boundary; empty or past cancels immediately
	CancelAt string `json:"cancel_at" binding:"omitempty"`
}

// Cancel cancels the tenant's subscription
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant not resolved")
		return
	}

	// The request body is optional; an absent body cancels immediately
	var req CancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.BindError(c, err)
			return
		}
	}

	var cancelAt *time.Time
	if req.CancelAt != "" {
		at, err := time.Parse(time.RFC3339, req.CancelAt)
		if err != nil {
			h.BadRequest(c, "cancel_at must be RFC3339")
			return
		}
		cancelAt = &at
	}

	sub, err := h.subService.CancelSubscription(c.Request.Context(), tenantID, cancelAt)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Tenant has no active subscription")
			return
		}
		h.HandleError(c, err)
		return
	}

	h.Success(c, toSubscriptionResponse(sub))
}
