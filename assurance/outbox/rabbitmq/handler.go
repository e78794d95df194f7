package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-assurance/assurance/outbox"
)

// ErrExchangeRequired is returned when the target exchange name is blank.
var ErrExchangeRequired = errors.New("rabbitmq exchange is required")

// DeclareTopology declares the durable topic exchange outbox events are
// published to. Safe to call repeatedly; declaration is idempotent.
func DeclareTopology(channel *amqp.Channel, exchange string) error {
	if channel == nil {
		return ErrChannelRequired
	}

	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return ErrExchangeRequired
	}

	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return nil
}

// NewEventHandler adapts a confirm publisher into an outbox handler. The
// event type doubles as the routing key, so consumers bind queues with
// patterns like "contract.*" or "claim.resolved".
func NewEventHandler(publisher *Publisher, exchange string) (outbox.EventHandler, error) {
	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	return func(ctx context.Context, event *outbox.Event) error {
		if event == nil {
			return outbox.ErrEventRequired
		}

		msg := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID.String(),
			Type:         event.EventType,
			Timestamp:    event.CreatedAt,
			Body:         event.Payload,
			Headers: amqp.Table{
				"tenantId":      event.TenantID.String(),
				"aggregateType": event.AggregateType,
				"aggregateId":   event.AggregateID.String(),
			},
		}

		if err := publisher.Publish(ctx, exchange, event.EventType, false, false, msg); err != nil {
			return fmt.Errorf("publish outbox event %s: %w", event.ID, err)
		}

		return nil
	}, nil
}
