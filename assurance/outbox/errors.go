package outbox

import "errors"

var (
	ErrEventRequired            = errors.New("outbox event is required")
	ErrRepositoryRequired       = errors.New("outbox repository is required")
	ErrDispatcherRequired       = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning        = errors.New("outbox dispatcher is already running")
	ErrPayloadRequired          = errors.New("outbox event payload is required")
	ErrPayloadTooLarge          = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON           = errors.New("outbox event payload must be valid JSON")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrHandlerNotRegistered     = errors.New("event handler is not registered")
	ErrTenantRequired           = errors.New("tenant id is required")
	ErrStatusInvalid            = errors.New("invalid outbox status")
	ErrTransitionInvalid        = errors.New("invalid outbox status transition")
	ErrEventNotFound            = errors.New("outbox event not found")
)
