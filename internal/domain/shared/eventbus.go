package shared

import "context"

// EventHandler consumes domain events. Dunning hooks, notification senders
// and metrics recorders all implement this.
type EventHandler interface {
	Handle(ctx context.Context, event DomainEvent) error
	// EventTypes lists the event types the handler wants. Empty means
	// every event.
	EventTypes() []string
}

// EventPublisher is the half of the bus the application services depend on.
type EventPublisher interface {
	Publish(ctx context.Context, events ...DomainEvent) error
}

// EventSubscriber registers and removes handlers. Passing no event types
// on Subscribe defers to the handler's own EventTypes list.
type EventSubscriber interface {
	Subscribe(handler EventHandler, eventTypes ...string)
	Unsubscribe(handler EventHandler)
}

// EventBus combines publishing and subscription with a lifecycle, so an
// implementation with background workers can drain them on shutdown.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
