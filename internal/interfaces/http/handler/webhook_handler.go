package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	appbilling "github.com/saasbill/backend/internal/application/billing"
	"github.com/saasbill/backend/internal/domain/payment"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
)

// Maximum webhook payload size (64KB - provider webhooks are small)
const maxWebhookPayloadSize = 65536

// alipayTimeLayout is the timestamp format used in Alipay notifications
const alipayTimeLayout = "2006-01-02 15:04:05"

// WebhookHandler handles payment provider webhook endpoints. These
// endpoints are called by the providers and carry their own signatures
// instead of tenant authentication.
type WebhookHandler struct {
	BaseHandler
	webhookService *appbilling.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(webhookService *appbilling.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService}
}

// WebhookResponse represents the acknowledgement returned to a provider
type WebhookResponse struct {
	Received  bool   `json:"received" example:"true"`
	EventID   string `json:"event_id,omitempty" example:"evt_1234567890"`
	EventKind string `json:"event_kind,omitempty" example:"invoice.payment_succeeded"`
	Message   string `json:"message,omitempty"`
}

// HandleStripeWebhook receives and processes webhook events from Stripe
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, ok := h.readPayload(c)
	if !ok {
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusUnauthorized, WebhookResponse{
			Received: false,
			Message:  "Missing Stripe-Signature header",
		})
		return
	}

	event, err := parseStripeEvent(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, WebhookResponse{
			Received: false,
			Message:  "Malformed event payload",
		})
		return
	}
	if event == nil {
		// Event types the engine does not consume are acknowledged so
		// the provider stops retrying
		c.JSON(http.StatusOK, WebhookResponse{Received: true, Message: "event kind not handled"})
		return
	}

	h.process(c, payload, signature, event)
}

// HandleAlipayNotification receives and processes trade notifications
// from Alipay. Notifications arrive as URL-encoded form data carrying
// their own sign field.
func (h *WebhookHandler) HandleAlipayNotification(c *gin.Context) {
	payload, ok := h.readPayload(c)
	if !ok {
		return
	}

	event, signature, err := parseAlipayNotification(payload)
	if err != nil {
		c.String(http.StatusBadRequest, "fail")
		return
	}
	if event == nil {
		// Alipay expects the literal "success" to stop redelivery
		c.String(http.StatusOK, "success")
		return
	}

	result, err := h.webhookService.Process(c.Request.Context(), payload, signature, event)
	if err != nil {
		if errors.Is(err, appbilling.ErrInvalidWebhookSignature) {
			c.String(http.StatusUnauthorized, "fail")
			return
		}
		c.String(http.StatusInternalServerError, "fail")
		return
	}
	_ = result
	c.String(http.StatusOK, "success")
}

// process runs one parsed event through the webhook service and maps the
// outcome onto the JSON acknowledgement Stripe expects
func (h *WebhookHandler) process(c *gin.Context, payload []byte, signature string, event *payment.WebhookEvent) {
	result, err := h.webhookService.Process(c.Request.Context(), payload, signature, event)
	if err != nil {
		if errors.Is(err, appbilling.ErrInvalidWebhookSignature) {
			c.JSON(http.StatusUnauthorized, WebhookResponse{
				Received: false,
				Message:  "Webhook signature verification failed",
			})
			return
		}
		// Processing errors still acknowledge receipt; retrying will not
		// fix them and internal detail stays out of the response
		c.JSON(http.StatusOK, WebhookResponse{
			Received:  true,
			EventID:   event.ID,
			EventKind: event.Kind.String(),
			Message:   "Webhook received but processing encountered an issue",
		})
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{
		Received:  true,
		EventID:   result.EventID,
		EventKind: result.EventKind,
		Message:   result.Message,
	})
}

// readPayload reads the raw request body with a size limit. Providers
// require the raw bytes for signature verification.
func (h *WebhookHandler) readPayload(c *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, WebhookResponse{
			Received: false,
			Message:  "Failed to read request body",
		})
		return nil, false
	}
	if len(payload) > maxWebhookPayloadSize {
		c.JSON(http.StatusRequestEntityTooLarge, WebhookResponse{
			Received: false,
			Message:  "Payload too large",
		})
		return nil, false
	}
	return payload, true
}

// parseStripeEvent normalizes a Stripe event envelope. Returns nil for
// event types the engine does not consume.
func parseStripeEvent(payload []byte) (*payment.WebhookEvent, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	event := &payment.WebhookEvent{
		ID:         raw.ID,
		Provider:   payment.ProviderTypeStripe,
		OccurredAt: time.Unix(raw.Created, 0),
	}

	switch raw.Type {
	case "invoice.paid":
		event.Kind = payment.WebhookInvoicePaymentSucceeded
	case "invoice.payment_failed":
		event.Kind = payment.WebhookInvoicePaymentFailed
	case "payment_intent.succeeded":
		event.Kind = payment.WebhookPaymentSucceeded
	case "payment_intent.payment_failed":
		event.Kind = payment.WebhookPaymentFailed
	case "customer.subscription.created":
		event.Kind = payment.WebhookSubscriptionCreated
	case "customer.subscription.updated":
		event.Kind = payment.WebhookSubscriptionUpdated
	case "customer.subscription.deleted":
		event.Kind = payment.WebhookSubscriptionCancelled
	default:
		return nil, nil
	}

	switch event.Kind {
	case payment.WebhookInvoicePaymentSucceeded, payment.WebhookInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &invoice); err != nil {
			return nil, err
		}
		if invoice.PaymentIntent != nil {
			event.PaymentRef = invoice.PaymentIntent.ID
		}
		if invoice.Subscription != nil {
			event.SubscriptionRef = invoice.Subscription.ID
		}
		if invoice.Customer != nil {
			event.CustomerRef = invoice.Customer.ID
		}
		event.Amount = decimal.New(invoice.AmountDue, -2)
		event.Currency = string(invoice.Currency)

	case payment.WebhookPaymentSucceeded, payment.WebhookPaymentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &intent); err != nil {
			return nil, err
		}
		event.PaymentRef = intent.ID
		if intent.Customer != nil {
			event.CustomerRef = intent.Customer.ID
		}
		event.Amount = decimal.New(intent.Amount, -2)
		event.Currency = string(intent.Currency)

	default:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return nil, err
		}
		event.SubscriptionRef = sub.ID
		if sub.Customer != nil {
			event.CustomerRef = sub.Customer.ID
		}
	}

	return event, nil
}

// parseAlipayNotification normalizes an Alipay trade notification.
// Returns a nil event for trade states the engine does not consume.
func parseAlipayNotification(payload []byte) (*payment.WebhookEvent, string, error) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, "", err
	}
	signature := values.Get("sign")
	if signature == "" {
		return nil, "", errors.New("missing sign field")
	}

	event := &payment.WebhookEvent{
		ID:          values.Get("notify_id"),
		Provider:    payment.ProviderTypeAlipay,
		PaymentRef:  values.Get("trade_no"),
		CustomerRef: values.Get("buyer_id"),
		Currency:    "CNY",
	}

	switch values.Get("trade_status") {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		event.Kind = payment.WebhookPaymentSucceeded
	case "TRADE_CLOSED":
		event.Kind = payment.WebhookPaymentFailed
	default:
		return nil, signature, nil
	}

	if raw := values.Get("total_amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, "", errors.New("malformed total_amount")
		}
		event.Amount = amount
	}
	if raw := values.Get("gmt_payment"); raw != "" {
		if at, err := time.ParseInLocation(alipayTimeLayout, raw, time.Local); err == nil {
			event.OccurredAt = at
		}
	}

	return event, signature, nil
}
