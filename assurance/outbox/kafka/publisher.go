// Package kafka publishes outbox events to Kafka. Messages are keyed by
// aggregate ID so all events of one aggregate land on the same partition in
// order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
)

var (
	// ErrBrokersRequired is returned when no broker address is configured.
	ErrBrokersRequired = errors.New("kafka brokers are required")
	// ErrTopicRequired is returned when the target topic is blank.
	ErrTopicRequired = errors.New("kafka topic is required")
	// ErrPublisherRequired is returned when a nil publisher is used.
	ErrPublisherRequired = errors.New("kafka publisher is required")
)

// messageWriter is the subset of kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes outbox events to a Kafka topic.
type Publisher struct {
	writer messageWriter
	topic  string
	logger log.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets a structured logger for the publisher.
func WithLogger(logger log.Logger) PublisherOption {
	return func(pub *Publisher) {
		if logger != nil {
			pub.logger = logger
		}
	}
}

// NewPublisher creates a Kafka publisher. Writes require acknowledgement
// from all in-sync replicas before the outbox marks an event published.
func NewPublisher(brokers []string, topic string, opts ...PublisherOption) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrTopicRequired
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	publisher := &Publisher{
		writer: writer,
		topic:  topic,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	return publisher, nil
}

// Publish writes one outbox event to the configured topic.
func (pub *Publisher) Publish(ctx context.Context, event *outbox.Event) error {
	if pub == nil || pub.writer == nil {
		return ErrPublisherRequired
	}

	if event == nil {
		return outbox.ErrEventRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	msg := kafka.Message{
		Key:   []byte(event.AggregateID.String()),
		Value: event.Payload,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "eventId", Value: []byte(event.ID.String())},
			{Key: "eventType", Value: []byte(event.EventType)},
			{Key: "tenantId", Value: []byte(event.TenantID.String())},
			{Key: "aggregateType", Value: []byte(event.AggregateType)},
		},
	}

	if err := pub.writer.WriteMessages(ctx, msg); err != nil {
		pub.logger.Log(ctx, log.LevelError, "failed to write outbox event to kafka",
			log.String("event_id", event.ID.String()),
			log.Err(err))

		return fmt.Errorf("write outbox event %s to kafka: %w", event.ID, err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (pub *Publisher) Close() error {
	if pub == nil || pub.writer == nil {
		return nil
	}

	return pub.writer.Close()
}

// NewEventHandler adapts the publisher into an outbox handler.
func NewEventHandler(publisher *Publisher) (outbox.EventHandler, error) {
	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	return publisher.Publish, nil
}
