// Package mq provides a RabbitMQ client with automatic reconnection and
// publisher confirms, used to move jobs between backend and worker processes.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleet-control/pkg/metrics"
)

// Message is one publishing.
type Message struct {
	Headers     map[string]any
	ContentType string
	MessageID   string
	Type        string
	Body        []byte
}

// Config holds the configuration for the Client.
type Config struct {
	Logger *slog.Logger
	URL    string
	Queue  string
	// Prefetch bounds unacknowledged deliveries per consumer (default 1).
	Prefetch int
	Durable  bool
}

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	publishMu       sync.Mutex
	logger          *slog.Logger
	cfg             Config
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	ready           chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	metrics         *metrics.TransportMetrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Publish retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Publish retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5
)

var (
	// ErrNotConnected is returned while no channel is available.
	ErrNotConnected = errors.New("not connected to a server")
	// ErrAlreadyClosed is returned by Close on a closed client.
	ErrAlreadyClosed = errors.New("already closed: not connected to the server")
	// ErrShutdown is returned by operations interrupted by Close.
	ErrShutdown = errors.New("client is shutting down")
	// ErrMaxRetriesExceeded is returned when Publish gives up.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	// ErrNacked is returned when the broker refuses a publishing.
	ErrNacked = errors.New("publishing not acknowledged by broker")
)

// New validates cfg and starts connecting in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	c := *cfg
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	client := &Client{
		m:      &sync.Mutex{},
		logger: c.Logger.With("component", "mq", "queue", c.Queue),
		cfg:    c,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go client.handleReconnect()
	return client, nil
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.TransportMetrics) {
	client.m.Lock()
	defer client.m.Unlock()
	client.metrics = m
}

// Queue returns the queue this client publishes to and consumes from.
func (client *Client) Queue() string {
	return client.cfg.Queue
}

// WaitReady blocks until the first channel is initialized.
func (client *Client) WaitReady(ctx context.Context) error {
	select {
	case <-client.ready:
		return nil
	case <-client.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect() {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if m := client.getMetrics(); m != nil {
			m.Reconnects.Inc()
		}

		conn, err := client.connect()
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect() (*amqp.Connection, error) {
	conn, err := amqp.Dial(client.cfg.URL)
	if err != nil {
		if m := client.getMetrics(); m != nil {
			m.BrokerUp.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.logger.Info("connected")

	if m := client.getMetrics(); m != nil {
		m.BrokerUp.Set(1)
	}
	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init will initialize channel & declare queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(
		client.cfg.Queue,
		client.cfg.Durable,
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("client init done")
	return nil
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	defer client.m.Unlock()
	client.isReady = ready
	if ready {
		select {
		case <-client.ready:
		default:
			close(client.ready)
		}
	}
}

func (client *Client) getMetrics() *metrics.TransportMetrics {
	client.m.Lock()
	defer client.m.Unlock()
	return client.metrics
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.m.Lock()
	defer client.m.Unlock()
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Publish sends msg and waits for the broker confirmation, retrying with
// exponential backoff while disconnected or nacked. Publishes are
// serialized so confirmations cannot be attributed to the wrong message.
func (client *Client) Publish(ctx context.Context, msg Message) error {
	client.publishMu.Lock()
	defer client.publishMu.Unlock()

	m := client.getMetrics()
	if m != nil {
		timer := prometheus.NewTimer(m.SendDuration.WithLabelValues(client.cfg.Queue))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "max_attempts", maxRetryAttempts)
			if m != nil {
				m.SendFailures.WithLabelValues(client.cfg.Queue, "max_retries_exceeded").Inc()
			}
			return ErrMaxRetriesExceeded
		}

		err := client.publishOnce(ctx, msg)
		if err == nil {
			if m != nil {
				m.JobsSent.WithLabelValues(client.cfg.Queue).Inc()
			}
			client.logger.Debug("publish confirmed", "message_id", msg.MessageID, "attempt", attempt)
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if m != nil {
				m.SendFailures.WithLabelValues(client.cfg.Queue, "context_canceled").Inc()
			}
			return err
		}

		client.logger.Warn("publish failed, retrying with backoff",
			"error", err,
			"backoff", backoff,
			"attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return ErrShutdown
		case <-time.After(backoff):
		}
		backoff *= backoffMultiplier
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (client *Client) publishOnce(ctx context.Context, msg Message) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return ErrNotConnected
	}
	ch, confirms := client.channel, client.notifyConfirm
	client.m.Unlock()

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.cfg.Queue, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: deliveryMode(client.cfg.Durable),
			MessageId:    msg.MessageID,
			Type:         msg.Type,
			Headers:      amqp.Table(msg.Headers),
			Timestamp:    time.Now().UTC(),
			Body:         msg.Body,
		},
	); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return ErrShutdown
	case confirm, ok := <-confirms:
		if !ok {
			return ErrNotConnected
		}
		if !confirm.Ack {
			return ErrNacked
		}
		return nil
	}
}

func deliveryMode(durable bool) uint8 {
	if durable {
		return amqp.Persistent
	}
	return amqp.Transient
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Nack when it fails.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		client.cfg.Prefetch,
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.cfg.Queue,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close will cleanly shut down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	select {
	case <-client.done:
		return ErrAlreadyClosed
	default:
	}
	close(client.done)

	if !client.isReady {
		return nil
	}
	if err := client.channel.Close(); err != nil {
		return err
	}
	if err := client.connection.Close(); err != nil {
		return err
	}
	client.isReady = false

	if client.metrics != nil {
		client.metrics.BrokerUp.Set(0)
	}
	return nil
}
