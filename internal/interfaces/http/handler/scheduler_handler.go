package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/saasbill/backend/internal/infrastructure/scheduler"
	"github.com/saasbill/backend/internal/interfaces/http/dto"
)

// SchedulerHandler exposes operational controls for the billing
// scheduler. These endpoints are intended for administrators and
// automation, not tenant traffic.
type SchedulerHandler struct {
	BaseHandler
	billingScheduler *scheduler.BillingScheduler
}

// NewSchedulerHandler creates a new SchedulerHandler
func NewSchedulerHandler(billingScheduler *scheduler.BillingScheduler) *SchedulerHandler {
	return &SchedulerHandler{billingScheduler: billingScheduler}
}

// TriggerBillingRun starts a billing pass outside the regular interval.
// The pass runs asynchronously; poll the status endpoint for the outcome.
func (h *SchedulerHandler) TriggerBillingRun(c *gin.Context) {
	if err := h.billingScheduler.TriggerBillingCycles(c.Request.Context()); err != nil {
		if errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeInvalidState, "Billing scheduler is not running")
			return
		}
		h.InternalError(c, "Failed to trigger billing run")
		return
	}
	h.Success(c, gin.H{"triggered": true})
}

// GetStatus reports the scheduler's current state and last pass outcome
func (h *SchedulerHandler) GetStatus(c *gin.Context) {
	h.Success(c, h.billingScheduler.GetStatus())
}
