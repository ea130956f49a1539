package handler

import (
	"time"

	"github.com/saasbill/backend/internal/domain/billing"
)

// PlanResponse represents a plan in API responses
type PlanResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Price        string            `json:"price"`
	Currency     string            `json:"currency"`
	Cycle        string            `json:"cycle"`
	TrialDays    int               `json:"trial_days"`
	SetupFee     string            `json:"setup_fee"`
	Features     map[string]bool   `json:"features"`
	Quotas       map[string]int64  `json:"quotas"`
	OverageRates map[string]string `json:"overage_rates"`
	IsActive     bool              `json:"is_active"`
	CreatedAt    string            `json:"created_at"`
}

func toPlanResponse(plan *billing.Plan) PlanResponse {
	quotas := make(map[string]int64, len(plan.Quotas))
	for resource, limit := range plan.Quotas {
		quotas[resource.String()] = limit
	}
	rates := make(map[string]string, len(plan.OverageRates))
	for resource, rate := range plan.OverageRates {
		rates[resource.String()] = rate.String()
	}
	features := make(map[string]bool, len(plan.Features))
	for key, enabled := range plan.Features {
		features[key] = enabled
	}

	return PlanResponse{
		ID:           plan.GetID().String(),
		Name:         plan.Name,
		Description:  plan.Description,
		Price:        plan.Price.StringFixed(2),
		Currency:     string(plan.Price.Currency()),
		Cycle:        plan.Cycle.String(),
		TrialDays:    plan.TrialDays,
		SetupFee:     plan.SetupFee.StringFixed(2),
		Features:     features,
		Quotas:       quotas,
		OverageRates: rates,
		IsActive:     plan.IsActive,
		CreatedAt:    plan.CreatedAt.Format(time.RFC3339),
	}
}

// SubscriptionResponse represents a subscription in API responses
type SubscriptionResponse struct {
	ID                 string  `json:"id"`
	TenantID           string  `json:"tenant_id"`
	PlanID             string  `json:"plan_id"`
	Status             string  `json:"status"`
	CurrentPeriodStart string  `json:"current_period_start"`
	CurrentPeriodEnd   string  `json:"current_period_end"`
	TrialEnd           *string `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool    `json:"cancel_at_period_end"`
	ProviderType       string  `json:"provider_type"`
	PendingPlanID      *string `json:"pending_plan_id,omitempty"`
	PendingEffectiveAt *string `json:"pending_effective_at,omitempty"`
	CancelledAt        *string `json:"cancelled_at,omitempty"`
}

func toSubscriptionResponse(sub *billing.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:                 sub.GetID().String(),
		TenantID:           sub.TenantID.String(),
		PlanID:             sub.PlanID.String(),
		Status:             sub.Status.String(),
		CurrentPeriodStart: sub.CurrentPeriodStart.Format(time.RFC3339),
		CurrentPeriodEnd:   sub.CurrentPeriodEnd.Format(time.RFC3339),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		ProviderType:       sub.ProviderType,
	}
	if sub.TrialEnd != nil {
		trialEnd := sub.TrialEnd.Format(time.RFC3339)
		resp.TrialEnd = &trialEnd
	}
	if sub.PendingChange != nil {
		planID := sub.PendingChange.PlanID.String()
		effectiveAt := sub.PendingChange.EffectiveAt.Format(time.RFC3339)
		resp.PendingPlanID = &planID
		resp.PendingEffectiveAt = &effectiveAt
	}
	if sub.CancelledAt != nil {
		cancelledAt := sub.CancelledAt.Format(time.RFC3339)
		resp.CancelledAt = &cancelledAt
	}
	return resp
}

// LineItemResponse represents an invoice line item in API responses
type LineItemResponse struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
}

// InvoiceResponse represents an invoice in API responses
type InvoiceResponse struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	SubscriptionID string             `json:"subscription_id"`
	Number         string             `json:"number"`
	Status         string             `json:"status"`
	Currency       string             `json:"currency"`
	LineItems      []LineItemResponse `json:"line_items"`
	Subtotal       string             `json:"subtotal"`
	Tax            string             `json:"tax"`
	Discount       string             `json:"discount"`
	Total          string             `json:"total"`
	AmountPaid     string             `json:"amount_paid"`
	AmountDue      string             `json:"amount_due"`
	DueDate        string             `json:"due_date"`
	PaidAt         *string            `json:"paid_at,omitempty"`
	PeriodStart    string             `json:"period_start"`
	PeriodEnd      string             `json:"period_end"`
	ProviderRef    string             `json:"provider_ref,omitempty"`
}

func toInvoiceResponse(inv *billing.Invoice) InvoiceResponse {
	items := make([]LineItemResponse, 0, len(inv.LineItems))
	for _, item := range inv.LineItems {
		items = append(items, LineItemResponse{
			Description: item.Description,
			Quantity:    item.Quantity.String(),
			UnitPrice:   item.UnitPrice.String(),
			Amount:      item.Amount.String(),
		})
	}

	resp := InvoiceResponse{
		ID:             inv.GetID().String(),
		TenantID:       inv.TenantID.String(),
		SubscriptionID: inv.SubscriptionID.String(),
		Number:         inv.Number,
		Status:         inv.Status.String(),
		Currency:       string(inv.Currency),
		LineItems:      items,
		Subtotal:       inv.Subtotal.StringFixed(2),
		Tax:            inv.Tax.StringFixed(2),
		Discount:       inv.Discount.StringFixed(2),
		Total:          inv.Total.StringFixed(2),
		AmountPaid:     inv.AmountPaid.StringFixed(2),
		AmountDue:      inv.AmountDue.StringFixed(2),
		DueDate:        inv.DueDate.Format(time.RFC3339),
		PeriodStart:    inv.PeriodStart.Format(time.RFC3339),
		PeriodEnd:      inv.PeriodEnd.Format(time.RFC3339),
		ProviderRef:    inv.ProviderRef,
	}
	if inv.PaidAt != nil {
		paidAt := inv.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}
	return resp
}

// QuotaCheckResponse represents a quota evaluation in API responses.
// Limit and Remaining are -1 for unlimited resources.
type QuotaCheckResponse struct {
	Resource     string `json:"resource"`
	Allowed      bool   `json:"allowed"`
	Unlimited    bool   `json:"unlimited"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
	Remaining    int64  `json:"remaining"`
}

func toQuotaCheckResponse(check billing.QuotaCheck) QuotaCheckResponse {
	return QuotaCheckResponse{
		Resource:     check.Resource.String(),
		Allowed:      check.Allowed,
		Unlimited:    check.Unlimited,
		CurrentUsage: check.CurrentUsage,
		Limit:        check.Limit,
		Remaining:    check.Remaining,
	}
}
