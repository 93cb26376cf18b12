package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/fleet-control/pkg/metrics"
	"procodus.dev/fleet-control/pkg/mq"
)

// EnvelopeContentType marks job envelopes on the wire.
const EnvelopeContentType = "application/x-protobuf"

// ErrMalformedEnvelope is returned by DecodeEnvelope.
var ErrMalformedEnvelope = errors.New("malformed job envelope")

// EncodeEnvelope serializes job as a protobuf Struct. Args travel as the
// raw JSON string so numbers survive unchanged.
func EncodeEnvelope(job *Job) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"id":          job.ID,
		"name":        job.Name,
		"args":        string(job.Args),
		"enqueued_at": job.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope: %w", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(b []byte) (*Job, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	f := s.GetFields()
	job := &Job{
		ID:   f["id"].GetStringValue(),
		Name: f["name"].GetStringValue(),
	}
	if job.ID == "" || job.Name == "" {
		return nil, fmt.Errorf("%w: missing id or name", ErrMalformedEnvelope)
	}
	if args := f["args"].GetStringValue(); args != "" {
		job.Args = []byte(args)
	}
	if ts := f["enqueued_at"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: enqueued_at: %w", ErrMalformedEnvelope, err)
		}
		job.EnqueuedAt = t
	}
	return job, nil
}

// AMQPForwarder publishes jobs to RabbitMQ for a worker process.
type AMQPForwarder struct {
	client mq.ClientInterface
}

// NewAMQPForwarder returns a Forwarder publishing through client.
func NewAMQPForwarder(client mq.ClientInterface) (*AMQPForwarder, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &AMQPForwarder{client: client}, nil
}

// Forward implements Forwarder.
func (f *AMQPForwarder) Forward(ctx context.Context, job *Job) error {
	body, err := EncodeEnvelope(job)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, mq.Message{
		ContentType: EnvelopeContentType,
		MessageID:   job.ID,
		Type:        job.Name,
		Body:        body,
	}); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.Name, err)
	}
	return nil
}

// Submitter accepts decoded jobs, keeping their ids.
type Submitter interface {
	Submit(ctx context.Context, job *Job) error
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger *slog.Logger
	Client mq.ClientInterface
	Target Submitter
	// Queue labels metrics.
	Queue string
	// RetryDelay separates attempts to resume consuming (default 2s).
	RetryDelay time.Duration
}

// Consumer moves job envelopes from RabbitMQ into a local dispatcher.
// A delivery is acked once the job is queued locally and requeued when the
// dispatcher refuses it; malformed envelopes are dropped.
type Consumer struct {
	logger  *slog.Logger
	cfg     ConsumerConfig
	metrics *metrics.TransportMetrics
	done    chan struct{}
	once    sync.Once
}

// NewConsumer validates cfg.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if cfg.Target == nil {
		return nil, errors.New("target cannot be nil")
	}
	c := *cfg
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return &Consumer{
		logger: c.Logger.With("component", "job_consumer", "queue", c.Queue),
		cfg:    c,
		done:   make(chan struct{}),
	}, nil
}

// SetMetrics sets the metrics collector. Call before Run.
func (c *Consumer) SetMetrics(m *metrics.TransportMetrics) {
	c.metrics = m
}

// Run consumes until ctx ends, resubscribing whenever the delivery channel
// closes under a reconnect.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.done) })

	for {
		if err := c.cfg.Client.WaitReady(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed waiting for mq: %w", err)
		}

		deliveries, err := c.cfg.Client.Consume()
		if err != nil {
			c.logger.Error("failed to start consuming, retrying", "error", err)
		} else {
			c.logger.Info("consumer started, waiting for jobs")
			if stop := c.drain(ctx, deliveries); stop {
				return nil
			}
			c.logger.Warn("deliveries channel closed, resubscribing")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

// Done is closed once Run returns.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case delivery, ok := <-deliveries:
			if !ok {
				return false
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.HandoffDuration.WithLabelValues(c.cfg.Queue))
		defer timer.ObserveDuration()
	}

	job, err := DecodeEnvelope(delivery.Body)
	if err != nil {
		c.logger.Error("dropping malformed job envelope", "message_id", delivery.MessageId, "error", err)
		c.fail("malformed")
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	if err := c.cfg.Target.Submit(ctx, job); err != nil {
		if errors.Is(err, ErrUnknownJob) {
			c.logger.Error("dropping job with no handler", "job", job.Name, "task_id", job.ID)
			c.fail("unknown_job")
			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("failed to ack message", "error", ackErr)
			}
			return
		}
		c.logger.Warn("failed to queue job, requeueing", "job", job.Name, "task_id", job.ID, "error", err)
		c.fail("submit")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.JobsReceived.WithLabelValues(c.cfg.Queue, job.Name).Inc()
	}
	c.logger.Debug("job received", "job", job.Name, "task_id", job.ID)
}

func (c *Consumer) fail(reason string) {
	if c.metrics != nil {
		c.metrics.Rejected.WithLabelValues(c.cfg.Queue, reason).Inc()
	}
}
