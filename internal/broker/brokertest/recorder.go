// Package brokertest provides an in-memory broker.Publisher for tests.
package brokertest

import (
	"context"
	"encoding/json"
	"sync"

	"procodus.dev/fleet-control/internal/broker"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Decode unmarshals the recorded payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Recorder records publishes and can be told to fail.
type Recorder struct {
	mu       sync.Mutex
	messages []Message

	// PublishFunc, when set, decides the result of each publish.
	PublishFunc func(topic string) error
	// PublishError is returned by every publish when PublishFunc is nil.
	PublishError error
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements broker.Publisher. Failed publishes are not recorded.
func (r *Recorder) Publish(_ context.Context, topic string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.PublishError
	if r.PublishFunc != nil {
		err = r.PublishFunc(topic)
	}
	if err != nil {
		return err
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	default:
		b, mErr := json.Marshal(payload)
		if mErr != nil {
			return mErr
		}
		body = b
	}
	r.messages = append(r.messages, Message{Topic: topic, Payload: body})
	return nil
}

// Messages returns a copy of the recorded publishes.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Commands decodes every recorded publish as a command message.
func (r *Recorder) Commands() []broker.CommandMessage {
	var out []broker.CommandMessage
	for _, m := range r.Messages() {
		var cmd broker.CommandMessage
		if err := m.Decode(&cmd); err == nil {
			out = append(out, cmd)
		}
	}
	return out
}

// Reset clears recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

var _ broker.Publisher = (*Recorder)(nil)
