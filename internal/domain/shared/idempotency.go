package shared

import (
	"context"
	"time"
)

// IdempotencyStore remembers processed event IDs so replayed provider
// webhooks and redelivered bus events are acknowledged without running
// their side effects twice.
type IdempotencyStore interface {
	// MarkProcessed records the event ID with a TTL. Returns true when
	// the ID was newly recorded, false when it was already present.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// IsProcessed reports whether the event ID was already recorded
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// Close releases the store's resources
	Close() error
}

// IdempotencyConfig holds configuration for duplicate detection
type IdempotencyConfig struct {
	// TTL bounds how long an event ID is remembered. Providers redeliver
	// webhooks for at most a few days, so entries can expire after that.
	TTL time.Duration

	// Enabled toggles duplicate detection entirely
	Enabled bool
}

// DefaultIdempotencyConfig returns the default configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:     24 * time.Hour,
		Enabled: true,
	}
}
