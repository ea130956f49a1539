package event

import (
	"sync"

	"github.com/saasbill/backend/internal/domain/shared"
)

// wildcardType is the internal registration key for handlers that see
// every event, which is how audit style subscribers hook in.
const wildcardType = "*"

// HandlerRegistry maps billing event types to their subscribers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]shared.EventHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string][]shared.EventHandler),
	}
}

// Register adds a handler for the given event types. With no types the
// handler becomes a wildcard subscriber.
func (r *HandlerRegistry) Register(handler shared.EventHandler, eventTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(eventTypes) == 0 {
		eventTypes = []string{wildcardType}
	}
	for _, eventType := range eventTypes {
		r.handlers[eventType] = append(r.handlers[eventType], handler)
	}
}

// Unregister removes a handler from all event types.
func (r *HandlerRegistry) Unregister(handler shared.EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for eventType, handlers := range r.handlers {
		kept := make([]shared.EventHandler, 0, len(handlers))
		for _, h := range handlers {
			if h != handler {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(r.handlers, eventType)
			continue
		}
		r.handlers[eventType] = kept
	}
}

// GetHandlers returns the type-specific handlers for an event type
// followed by the wildcard handlers.
func (r *HandlerRegistry) GetHandlers(eventType string) []shared.EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	typed := r.handlers[eventType]
	wildcard := r.handlers[wildcardType]

	result := make([]shared.EventHandler, 0, len(typed)+len(wildcard))
	result = append(result, typed...)
	result = append(result, wildcard...)
	return result
}

// GetAllHandlers returns every registered handler once, regardless of how
// many event types it subscribes to.
func (r *HandlerRegistry) GetAllHandlers() []shared.EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[shared.EventHandler]bool)
	result := make([]shared.EventHandler, 0)
	for _, handlers := range r.handlers {
		for _, handler := range handlers {
			if !seen[handler] {
				seen[handler] = true
				result = append(result, handler)
			}
		}
	}
	return result
}
