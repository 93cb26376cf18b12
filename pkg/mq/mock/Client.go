// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleet-control/pkg/mq"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It tracks method calls and allows configuring return values and behavior.
type MockClient struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, msg mq.Message) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish with their arguments.
	PublishCalls []mq.Message

	// ConsumeChannel is returned by Consume.
	ConsumeChannel chan amqp.Delivery
	// ConsumeError is returned by Consume.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// ReadyError is returned by WaitReady.
	ReadyError error

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		ConsumeChannel: make(chan amqp.Delivery, 16),
	}
}

// Publish implements ClientInterface.
func (m *MockClient) Publish(ctx context.Context, msg mq.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = append(m.PublishCalls, msg)

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, msg)
	}
	return m.PublishError
}

// Published returns a copy of the recorded publishes.
func (m *MockClient) Published() []mq.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mq.Message(nil), m.PublishCalls...)
}

// Consume implements ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	return m.ConsumeChannel, m.ConsumeError
}

// WaitReady implements ClientInterface.
func (m *MockClient) WaitReady(context.Context) error {
	return m.ReadyError
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Reset clears all tracked calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = nil
	m.ConsumeCalls = 0
	m.CloseCalls = 0
}

// Acknowledger records Ack and Nack calls for deliveries built in tests.
type Acknowledger struct {
	mu      sync.Mutex
	Acked   []uint64
	Nacked  []uint64
	Requeue []bool
}

// Ack implements amqp.Acknowledger.
func (a *Acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acked = append(a.Acked, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (a *Acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacked = append(a.Nacked, tag)
	a.Requeue = append(a.Requeue, requeue)
	return nil
}

// Reject implements amqp.Acknowledger.
func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// Counts returns the number of acked and nacked deliveries.
func (a *Acknowledger) Counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Acked), len(a.Nacked)
}

// Ensure MockClient implements mq.ClientInterface.
var _ mq.ClientInterface = (*MockClient)(nil)

// Ensure Acknowledger implements amqp.Acknowledger.
var _ amqp.Acknowledger = (*Acknowledger)(nil)
