// Package outbox provides transactional event delivery: the engine appends
// events in the same atomic unit as the state change, and a dispatcher
// publishes them to brokers at-least-once.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance/assert"
)

// DefaultMaxPayloadBytes bounds stored payloads.
const DefaultMaxPayloadBytes = 1 << 20

// Event is an event stored in the outbox for reliable delivery.
type Event struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	EventType     string
	AggregateType string
	AggregateID   uuid.UUID
	Payload       []byte
	Status        Status
	Attempts      int
	PublishedAt   *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewEvent creates a valid outbox event initialized as pending.
func NewEvent(
	ctx context.Context,
	tenantID uuid.UUID,
	eventType string,
	aggregateType string,
	aggregateID uuid.UUID,
	payload []byte,
	now time.Time,
) (*Event, error) {
	asserter := assert.New(ctx, nil, "outbox", "outbox.new_event")

	if err := asserter.That(ctx, tenantID != uuid.Nil, "tenant id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTenantRequired, err)
	}

	eventType = strings.TrimSpace(eventType)

	if err := asserter.NotEmpty(ctx, eventType, "event type is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventTypeRequired, err)
	}

	aggregateType = strings.TrimSpace(aggregateType)

	if err := asserter.NotEmpty(ctx, aggregateType, "aggregate type is required"); err != nil {
		return nil, fmt.Errorf("outbox aggregate type: %w", err)
	}

	if err := asserter.That(ctx, aggregateID != uuid.Nil, "aggregate id is required"); err != nil {
		return nil, fmt.Errorf("outbox aggregate id: %w", err)
	}

	if err := asserter.That(ctx, len(payload) > 0, "payload is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadRequired, err)
	}

	if err := asserter.That(ctx, len(payload) <= DefaultMaxPayloadBytes, "payload exceeds max size"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	}

	if err := asserter.That(ctx, json.Valid(payload), "payload must be valid JSON"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
	}

	return &Event{
		ID:            uuid.New(),
		TenantID:      tenantID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
		Status:        StatusPending,
		Attempts:      0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
