package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	appbilling "github.com/saasbill/backend/internal/application/billing"
	"github.com/saasbill/backend/internal/domain/billing"
	"go.uber.org/zap"
)

const defaultNotificationChannel = "billing:notifications"

// Event types carried on the notification channel.
const (
	EventPaymentSucceeded      = "payment.succeeded"
	EventPaymentFailed         = "payment.failed"
	EventSubscriptionCancelled = "subscription.cancelled"
)

// Message is the JSON envelope published for each billing event.
// Downstream consumers (mailers, in-app alerting) subscribe to the
// channel and fan out per tenant.
type Message struct {
	Type           string `json:"type"`
	TenantID       string `json:"tenant_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	InvoiceNumber  string `json:"invoice_number,omitempty"`
	Amount         string `json:"amount,omitempty"`
	Currency       string `json:"currency,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// RedisNotifier publishes billing events over Redis Pub/Sub.
type RedisNotifier struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	logger     *zap.Logger
}

// RedisNotifierOption is a functional option for configuring the notifier
type RedisNotifierOption func(*RedisNotifier)

// WithChannel sets the Pub/Sub channel name
func WithChannel(channel string) RedisNotifierOption {
	return func(n *RedisNotifier) {
		n.channel = channel
	}
}

// WithLogger sets the logger for the notifier
func WithLogger(logger *zap.Logger) RedisNotifierOption {
	return func(n *RedisNotifier) {
		n.logger = logger
	}
}

// RedisConfig holds connection settings for the notification channel.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisNotifier creates a notifier with its own Redis connection.
func NewRedisNotifier(cfg RedisConfig, opts ...RedisNotifierOption) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	notifier := &RedisNotifier{
		client:     client,
		ownsClient: true,
		channel:    defaultNotificationChannel,
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(notifier)
	}

	return notifier, nil
}

// NewRedisNotifierWithClient creates a notifier on an existing Redis client.
// The caller retains ownership of the client and is responsible for closing it.
func NewRedisNotifierWithClient(client *redis.Client, opts ...RedisNotifierOption) *RedisNotifier {
	notifier := &RedisNotifier{
		client:     client,
		ownsClient: false,
		channel:    defaultNotificationChannel,
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(notifier)
	}

	return notifier
}

func (n *RedisNotifier) PaymentSucceeded(ctx context.Context, invoice *billing.Invoice) error {
	return n.publish(ctx, Message{
		Type:           EventPaymentSucceeded,
		TenantID:       invoice.TenantID.String(),
		SubscriptionID: invoice.SubscriptionID.String(),
		InvoiceID:      invoice.ID.String(),
		InvoiceNumber:  invoice.Number,
		Amount:         invoice.Total.StringFixed(2),
		Currency:       string(invoice.Currency),
	})
}

func (n *RedisNotifier) PaymentFailed(ctx context.Context, invoice *billing.Invoice, reason string) error {
	return n.publish(ctx, Message{
		Type:           EventPaymentFailed,
		TenantID:       invoice.TenantID.String(),
		SubscriptionID: invoice.SubscriptionID.String(),
		InvoiceID:      invoice.ID.String(),
		InvoiceNumber:  invoice.Number,
		Amount:         invoice.AmountDue.StringFixed(2),
		Currency:       string(invoice.Currency),
		Reason:         reason,
	})
}

func (n *RedisNotifier) SubscriptionCancelled(ctx context.Context, sub *billing.Subscription) error {
	return n.publish(ctx, Message{
		Type:           EventSubscriptionCancelled,
		TenantID:       sub.TenantID.String(),
		SubscriptionID: sub.ID.String(),
	})
}

func (n *RedisNotifier) publish(ctx context.Context, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		n.logger.Error("failed to publish billing notification",
			zap.String("channel", n.channel),
			zap.String("type", msg.Type),
			zap.Error(err))
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.Debug("published billing notification",
		zap.String("channel", n.channel),
		zap.String("type", msg.Type),
		zap.String("tenant_id", msg.TenantID))

	return nil
}

// Close releases the Redis connection when the notifier owns it.
func (n *RedisNotifier) Close() error {
	if n.ownsClient {
		return n.client.Close()
	}
	return nil
}

var _ appbilling.Notifier = (*RedisNotifier)(nil)
