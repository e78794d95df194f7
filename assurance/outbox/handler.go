package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventHandler publishes one outbox event to a broker or consumer.
type EventHandler func(ctx context.Context, event *Event) error

// HandlerRegistry stores event handlers by event type. A "*" registration
// acts as the fallback for event types without a dedicated handler.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// WildcardEventType matches any event type not served by a dedicated handler.
const WildcardEventType = "*"

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]EventHandler{}}
}

func (registry *HandlerRegistry) Register(eventType string, handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]EventHandler)
	}

	if _, exists := registry.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}

	registry.handlers[normalizedType] = handler

	return nil
}

func (registry *HandlerRegistry) Handle(ctx context.Context, event *Event) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if event == nil {
		return ErrEventRequired
	}

	eventType := strings.TrimSpace(event.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[eventType]

	if !ok {
		handler, ok = registry.handlers[WildcardEventType]
	}
	registry.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}

	return handler(ctx, event)
}
