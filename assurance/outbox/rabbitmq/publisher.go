package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/runtime"
)

// Publisher confirm errors.
var (
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout is the default wait for broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer must cover the max unconfirmed messages in flight.
	confirmChannelBuffer = 256
)

// ConfirmableChannel is the subset of amqp.Channel the publisher needs.
// Narrowing the dependency keeps the publisher testable without a broker.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// Publisher wraps an AMQP channel with publisher confirms enabled. Publishes
// are serialized per instance: confirm ordering then needs no delivery-tag
// correlation state. Shard across instances for throughput.
type Publisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	done           chan struct{}
	logger         log.Logger
	confirmTimeout time.Duration

	mu        sync.RWMutex
	publishMu sync.Mutex
	closed    bool
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

// WithConfirmTimeout sets the wait for broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewPublisher opens a dedicated channel on conn and enables confirms on it.
func NewPublisher(ctx context.Context, conn *Conn, opts ...PublisherOption) (*Publisher, error) {
	if conn == nil {
		return nil, ErrNilConn
	}

	channel, err := conn.NewChannel(ctx)
	if err != nil {
		return nil, err
	}

	return NewPublisherFromChannel(channel, opts...)
}

// NewPublisherFromChannel creates a publisher from an existing channel.
func NewPublisherFromChannel(ch ConfirmableChannel, opts ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	publisher := &Publisher{
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		done:           make(chan struct{}),
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.startCloseMonitor(closeNotify)

	return publisher, nil
}

// startCloseMonitor marks the publisher closed when the broker closes the
// channel, so in-flight and future publishes fail fast instead of timing out.
func (pub *Publisher) startCloseMonitor(closeNotify chan *amqp.Error) {
	monitorDone := pub.done
	monitorLogger := pub.logger

	runtime.SafeGo(monitorLogger, "rabbitmq.publisher_close_monitor", func() {
		select {
		case amqpErr := <-closeNotify:
			pub.mu.Lock()
			pub.closed = true
			pub.mu.Unlock()

			pub.closeOnce.Do(func() { close(pub.closedCh) })

			if amqpErr != nil {
				monitorLogger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed",
					log.String("error_detail", sanitizeAMQPErr(amqpErr, "")))
			}
		case <-monitorDone:
		}
	})
}

// Publish sends a message and waits for broker confirmation.
func (pub *Publisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		pub.mu.RUnlock()

		return ErrPublisherClosed
	}

	publishChannel := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := publishChannel.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close drains pending confirmations and permanently closes the publisher.
func (pub *Publisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.closed {
		pub.mu.Unlock()

		return nil
	}

	pub.closed = true
	currentCh := pub.ch
	done := pub.done
	pub.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}

	pub.closeOnce.Do(func() { close(pub.closedCh) })

	if currentCh != nil {
		if err := currentCh.Close(); err != nil {
			return fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	drainConfirms(pub.confirms, pub.confirmTimeout)

	return nil
}

func drainConfirms(confirms <-chan amqp.Confirmation, timeout time.Duration) {
	if confirms == nil {
		return
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		case <-grace.C:
			return
		}
	}
}
