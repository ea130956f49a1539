package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
)

// PlanHandler handles plan catalog HTTP requests. Plans are not
// tenant-scoped; the catalog is shared across all tenants.
type PlanHandler struct {
	BaseHandler
	planRepo billing.PlanRepository
}

// NewPlanHandler creates a new PlanHandler
func NewPlanHandler(planRepo billing.PlanRepository) *PlanHandler {
	return &PlanHandler{planRepo: planRepo}
}

// CreatePlanRequest represents the request to create a plan
type CreatePlanRequest struct {
	Name         string            `json:"name" binding:"required,min=1,max=100"`
	Description  string            `json:"description" binding:"max=500"`
	Price        float64           `json:"price" binding:"min=0"`
	Currency     string            `json:"currency"`
	Cycle        string            `json:"cycle" binding:"required,oneof=weekly monthly yearly"`
	TrialDays    int               `json:"trial_days" binding:"min=0"`
	SetupFee     float64           `json:"setup_fee" binding:"min=0"`
	Features     map[string]bool   `json:"features"`
	Quotas       map[string]int64  `json:"quotas"`
	OverageRates map[string]string `json:"overage_rates"`
}

// CreatePlan creates a new plan in the catalog
func (h *PlanHandler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	currency := valueobject.DefaultCurrency
	if req.Currency != "" {
		currency = valueobject.Currency(req.Currency)
		if !currency.IsValid() {
			h.BadRequest(c, "Unsupported currency: "+req.Currency)
			return
		}
	}

	price, err := valueobject.NewMoneyFromFloat(req.Price, currency)
	if err != nil {
		h.BadRequest(c, "Invalid price: "+err.Error())
		return
	}

	plan, err := billing.NewPlan(req.Name, price, billing.BillingCycle(req.Cycle))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	plan.Description = req.Description
	plan.WithTrialDays(req.TrialDays)
	if req.SetupFee > 0 {
		fee, err := valueobject.NewMoneyFromFloat(req.SetupFee, currency)
		if err != nil {
			h.BadRequest(c, "Invalid setup fee: "+err.Error())
			return
		}
		plan.WithSetupFee(fee)
	}
	for key, enabled := range req.Features {
		plan.WithFeature(key, enabled)
	}
	for resource, limit := range req.Quotas {
		if limit < 0 {
			h.BadRequest(c, "Quota limit cannot be negative for "+resource)
			return
		}
		plan.WithQuota(billing.ResourceType(resource), limit)
	}
	for resource, rate := range req.OverageRates {
		perUnit, err := decimal.NewFromString(rate)
		if err != nil || perUnit.IsNegative() {
			h.BadRequest(c, "Invalid overage rate for "+resource)
			return
		}
		plan.WithOverageRate(billing.ResourceType(resource), perUnit)
	}

	if err := h.planRepo.Save(c.Request.Context(), plan); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			h.Conflict(c, "A plan with this name already exists")
			return
		}
		h.HandleError(c, err)
		return
	}

	h.Created(c, toPlanResponse(plan))
}

// ListPlans returns all plans available for new subscriptions
func (h *PlanHandler) ListPlans(c *gin.Context) {
	plans, err := h.planRepo.FindActive(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	responses := make([]PlanResponse, 0, len(plans))
	for _, plan := range plans {
		responses = append(responses, toPlanResponse(plan))
	}
	h.Success(c, responses)
}

// GetPlan returns a single plan by ID
func (h *PlanHandler) GetPlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid plan ID")
		return
	}

	plan, err := h.planRepo.FindByID(c.Request.Context(), planID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Plan not found")
			return
		}
		h.HandleError(c, err)
		return
	}

	h.Success(c, toPlanResponse(plan))
}

// UpdatePlanRequest represents the request to update plan metadata.
// Pricing fields are immutable once a subscription references the plan.
type UpdatePlanRequest struct {
	Description string `json:"description" binding:"max=500"`
}

// UpdatePlan updates plan metadata
func (h *PlanHandler) UpdatePlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid plan ID")
		return
	}

	var req UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	plan, err := h.planRepo.FindByID(c.Request.Context(), planID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Plan not found")
			return
		}
		h.HandleError(c, err)
		return
	}

	plan.UpdateDescription(req.Description)
	if err := h.planRepo.Update(c.Request.Context(), plan); err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toPlanResponse(plan))
}

// DeactivatePlan hides the plan from new subscriptions. Existing
// subscriptions keep billing against it.
func (h *PlanHandler) DeactivatePlan(c *gin.Context) {
	h.setPlanActive(c, false)
}

// ActivatePlan makes the plan available for new subscriptions
func (h *PlanHandler) ActivatePlan(c *gin.Context) {
	h.setPlanActive(c, true)
}

func (h *PlanHandler) setPlanActive(c *gin.Context, active bool) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid plan ID")
		return
	}

	plan, err := h.planRepo.FindByID(c.Request.Context(), planID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.NotFound(c, "Plan not found")
			return
		}
		h.HandleError(c, err)
		return
	}

	if active {
		plan.Activate()
	} else {
		plan.Deactivate()
	}
	if err := h.planRepo.Update(c.Request.Context(), plan); err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toPlanResponse(plan))
}
