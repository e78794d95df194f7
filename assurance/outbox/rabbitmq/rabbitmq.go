// Package rabbitmq publishes outbox events to RabbitMQ with publisher
// confirms, so an event is only marked published after the broker accepted
// it.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/LerianStudio/lib-assurance/assurance/assert"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry"
)

// ErrNilConn is returned when a method is called on a nil Conn.
var ErrNilConn = errors.New("rabbitmq connection is nil")

// ErrURIRequired is returned when the connection URI is blank.
var ErrURIRequired = errors.New("rabbitmq connection URI is required")

// Conn keeps a shared AMQP connection and opens dedicated channels for
// publishers.
type Conn struct {
	mu         sync.Mutex
	URI        string `json:"-"`
	Logger     log.Logger
	Connection *amqp.Connection
	Connected  bool

	dialer         func(string) (*amqp.Connection, error)
	channelFactory func(*amqp.Connection) (*amqp.Channel, error)
}

func nilConnAssert(operation string) error {
	asserter := assert.New(context.Background(), nil, "rabbitmq", operation)
	_ = asserter.Never(context.Background(), "rabbitmq connection receiver is nil")

	return ErrNilConn
}

// Connect dials the broker if no live connection exists.
func (conn *Conn) Connect(ctx context.Context) error {
	if conn == nil {
		return nilConnAssert("connect")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	_, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.applyDefaults()

	if strings.TrimSpace(conn.URI) == "" {
		opentelemetry.HandleSpanError(&span, "missing rabbitmq URI", ErrURIRequired)

		return ErrURIRequired
	}

	if conn.Connection != nil && !conn.Connection.IsClosed() {
		return nil
	}

	logger := conn.logger()
	logger.Log(context.Background(), log.LevelInfo, "connecting to rabbitmq")

	connection, err := conn.dialer(conn.URI)
	if err != nil {
		conn.Connected = false

		logger.Log(context.Background(), log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, conn.URI)))

		sanitized := fmt.Errorf("failed to connect to rabbitmq: %s", sanitizeAMQPErr(err, conn.URI))
		opentelemetry.HandleSpanError(&span, "failed to connect to rabbitmq", sanitized)

		return sanitized
	}

	conn.Connection = connection
	conn.Connected = true

	logger.Log(context.Background(), log.LevelInfo, "connected to rabbitmq")

	return nil
}

// NewChannel opens a dedicated channel, connecting first if needed.
// Confirm-mode publishers must each own their channel.
func (conn *Conn) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if conn == nil {
		return nil, nilConnAssert("new_channel")
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	conn.mu.Lock()
	connection := conn.Connection
	channelFactory := conn.channelFactory
	conn.mu.Unlock()

	channel, err := channelFactory(connection)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	return channel, nil
}

// HealthCheck reports whether the underlying connection is live.
func (conn *Conn) HealthCheck() bool {
	if conn == nil {
		return false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.Connection != nil && !conn.Connection.IsClosed()
}

// Close closes the broker connection.
func (conn *Conn) Close(ctx context.Context) error {
	if conn == nil {
		return nilConnAssert("close")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	conn.mu.Lock()
	connection := conn.Connection
	conn.Connection = nil
	conn.Connected = false
	logger := conn.logger()
	conn.mu.Unlock()

	if connection == nil || connection.IsClosed() {
		return nil
	}

	if err := connection.Close(); err != nil {
		logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))

		return fmt.Errorf("failed to close rabbitmq connection: %w", err)
	}

	return nil
}

func (conn *Conn) applyDefaults() {
	if conn.dialer == nil {
		conn.dialer = amqp.Dial
	}

	if conn.channelFactory == nil {
		conn.channelFactory = func(connection *amqp.Connection) (*amqp.Channel, error) {
			if connection == nil {
				return nil, errors.New("cannot create channel: connection is nil")
			}

			return connection.Channel()
		}
	}
}

func (conn *Conn) logger() log.Logger {
	if conn == nil || conn.Logger == nil {
		return &log.NopLogger{}
	}

	return conn.Logger
}

// BuildURI constructs an AMQP connection string. An empty vhost maps to the
// default vhost. Special characters in user, pass and vhost are URL-encoded.
func BuildURI(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	if vhost != "" {
		// RabbitMQ vhost names may contain '/', which must stay percent-encoded.
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}

// sanitizeAMQPErr redacts connection-string credentials from an AMQP error
// message before it reaches logs or spans.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}
