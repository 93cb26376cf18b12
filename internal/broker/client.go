package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"procodus.dev/fleet-control/pkg/metrics"
)

// ErrPublish marks a failed publish to the broker.
var ErrPublish = errors.New("publish failed")

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	subscribeTimeout      = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// MessageHandler receives inbound broker messages. It runs on the client's
// delivery goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Publisher publishes JSON payloads to topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// ClientConfig holds the configuration for the MQTT Client.
type ClientConfig struct {
	Logger   *slog.Logger
	Handler  MessageHandler
	Broker   string
	ClientID string
	Username string
	Password string
	// Filters are subscribed on every (re)connect when Handler is set.
	Filters        []string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	QoS            byte
}

// Client wraps a paho MQTT client with auto-reconnect and resubscription.
type Client struct {
	client  mqtt.Client
	logger  *slog.Logger
	cfg     *ClientConfig
	metrics *metrics.BrokerMetrics
	mu      sync.RWMutex
}

// NewClient validates cfg and builds a client. Call Connect to dial.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("broker config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Broker == "" {
		return nil, errors.New("broker address cannot be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("fleetctl-%d", time.Now().UnixNano())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	c := &Client{
		logger: cfg.Logger.With("component", "mqtt", "client_id", cfg.ClientID),
		cfg:    cfg,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("reconnecting to MQTT broker")
	})
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// SetMetrics sets the metrics collector for this client.
func (c *Client) SetMetrics(m *metrics.BrokerMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

func (c *Client) getMetrics() *metrics.BrokerMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// Connect dials the broker and waits for the first connection.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to MQTT broker", "broker", c.cfg.Broker)

	token := c.client.Connect()
	if err := wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.cfg.Broker, err)
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("connected to MQTT broker")
	if m := c.getMetrics(); m != nil {
		m.ConnectionStatus.Set(1)
	}
	if c.cfg.Handler == nil {
		return
	}
	for _, filter := range c.cfg.Filters {
		token := client.Subscribe(filter, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			c.cfg.Handler(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(subscribeTimeout) {
			c.logger.Error("subscription timed out", "filter", filter)
			continue
		}
		if err := token.Error(); err != nil {
			c.logger.Error("failed to subscribe", "filter", filter, "error", err)
			continue
		}
		c.logger.Info("subscribed", "filter", filter)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Error("MQTT connection lost", "error", err)
	if m := c.getMetrics(); m != nil {
		m.ConnectionStatus.Set(0)
		m.ConnectionLost.Inc()
	}
}

// Publish JSON-encodes payload (raw []byte is sent as is) and waits for the
// broker acknowledgement at the configured QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload any) error {
	kind := topicKind(topic)
	m := c.getMetrics()
	start := time.Now()

	body, err := encode(payload)
	if err != nil {
		if m != nil {
			m.PublishFailures.WithLabelValues(kind, "encode").Inc()
		}
		return fmt.Errorf("%w: %s: %w", ErrPublish, topic, err)
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, body)
	if err := wait(ctx, token, c.cfg.PublishTimeout); err != nil {
		if m != nil {
			m.PublishFailures.WithLabelValues(kind, "broker").Inc()
		}
		return fmt.Errorf("%w: %s: %w", ErrPublish, topic, err)
	}

	if m != nil {
		m.MessagesPublished.WithLabelValues(kind).Inc()
		m.PublishDuration.Observe(time.Since(start).Seconds())
	}
	c.logger.Debug("published", "topic", topic, "bytes", len(body))
	return nil
}

// IsConnected reports whether the client currently holds a broker connection.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect closes the connection after letting in-flight work drain.
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
	if m := c.getMetrics(); m != nil {
		m.ConnectionStatus.Set(0)
	}
	c.logger.Info("disconnected from MQTT broker")
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for broker")
	}
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(payload)
}

// topicKind labels a topic for metrics without unbounded cardinality.
func topicKind(topic string) string {
	t, err := ParseTopic(topic)
	switch {
	case err != nil:
		return "other"
	case t.Broadcast:
		return "broadcast"
	case t.Outbound:
		return "command"
	}
	return t.Type.String()
}

var _ Publisher = (*Client)(nil)
