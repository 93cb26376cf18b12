// Package broker defines the device wire contract (topics and payloads) and
// the MQTT client used to receive device events and publish commands.
package broker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedTopic is returned for topics outside the tenant topic grammar.
	ErrMalformedTopic = errors.New("malformed topic")
	// ErrUnknownMessageType is returned for a device topic whose last segment
	// is not a known message type.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// MessageType is the closed set of device-originated message kinds.
type MessageType int

// Device message types.
const (
	MessageStatus MessageType = iota + 1
	MessageTelemetry
	MessageResponse
	MessageAlert
	MessageHeartbeat
)

// MessageTypes lists every inbound message type.
var MessageTypes = []MessageType{
	MessageStatus,
	MessageTelemetry,
	MessageResponse,
	MessageAlert,
	MessageHeartbeat,
}

func (t MessageType) String() string {
	switch t {
	case MessageStatus:
		return "status"
	case MessageTelemetry:
		return "telemetry"
	case MessageResponse:
		return "response"
	case MessageAlert:
		return "alert"
	case MessageHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// ParseMessageType maps a topic segment to a MessageType.
func ParseMessageType(s string) (MessageType, bool) {
	for _, t := range MessageTypes {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

const (
	tenantSegment    = "tenant"
	deviceSegment    = "device"
	broadcastSegment = "broadcast"
	commandSegment   = "command"
)

// Topic is a parsed broker topic.
type Topic struct {
	TenantID string
	DeviceID string
	Type     MessageType
	// Broadcast is set for tenant/{t}/broadcast/{command}; Command holds the
	// broadcast command name.
	Broadcast bool
	// Outbound is set for tenant/{t}/device/{d}/command, the topic the
	// backend itself publishes to.
	Outbound bool
	Command  string
}

// ParseTopic parses tenant/{tenant}/device/{device}/{type} and
// tenant/{tenant}/broadcast/{command}.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != tenantSegment || parts[1] == "" {
		return Topic{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}

	t := Topic{TenantID: parts[1]}
	switch parts[2] {
	case broadcastSegment:
		if len(parts) != 4 || parts[3] == "" {
			return Topic{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
		}
		t.Broadcast = true
		t.Command = parts[3]
		return t, nil
	case deviceSegment:
		if len(parts) != 5 || parts[3] == "" || parts[4] == "" {
			return Topic{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
		}
		t.DeviceID = parts[3]
		if parts[4] == commandSegment {
			t.Outbound = true
			return t, nil
		}
		mt, ok := ParseMessageType(parts[4])
		if !ok {
			return t, fmt.Errorf("%w: %q", ErrUnknownMessageType, parts[4])
		}
		t.Type = mt
		return t, nil
	}
	return Topic{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
}

// DeviceTopic is the topic a device publishes messages of type t on.
func DeviceTopic(tenantID, deviceID string, t MessageType) string {
	return strings.Join([]string{tenantSegment, tenantID, deviceSegment, deviceID, t.String()}, "/")
}

// CommandTopic is the topic a single device receives commands on.
func CommandTopic(tenantID, deviceID string) string {
	return strings.Join([]string{tenantSegment, tenantID, deviceSegment, deviceID, commandSegment}, "/")
}

// BroadcastTopic is the topic every device of a tenant receives command on.
func BroadcastTopic(tenantID, command string) string {
	return strings.Join([]string{tenantSegment, tenantID, broadcastSegment, command}, "/")
}

// SubscriptionFilters returns the wildcard filters covering all inbound
// device messages of every tenant.
func SubscriptionFilters() []string {
	filters := make([]string, 0, len(MessageTypes))
	for _, t := range MessageTypes {
		filters = append(filters, DeviceTopic("+", "+", t))
	}
	return filters
}
