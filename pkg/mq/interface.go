package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the message queue operations the job transport uses.
type ClientInterface interface {
	// Publish sends msg and waits for the broker confirmation.
	Publish(ctx context.Context, msg Message) error

	// Consume will continuously put queue items on the channel.
	// It is required to call delivery.Ack or delivery.Nack for every delivery.
	Consume() (<-chan amqp.Delivery, error)

	// WaitReady blocks until the client has a usable channel.
	WaitReady(ctx context.Context) error

	// Close will cleanly shut down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
