package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when a payload is not a structured object
// or a field has the wrong shape.
var ErrMalformedPayload = errors.New("malformed payload")

// timestampLayouts are tried in order for string timestamps. Zone-less
// layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Timestamp is a point in time as devices send it: RFC 3339, ISO 8601
// without zone, or Unix seconds. The zero value means "absent".
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: timestamp: %w", ErrMalformedPayload, err)
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}

	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %s", ErrMalformedPayload, b)
	}
	t.Time = unixFloat(secs)
	return nil
}

// MarshalJSON renders the timestamp as RFC 3339 in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Or returns the timestamp, or fallback when absent.
func (t Timestamp) Or(fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.UTC()
}

// ParseTimestamp parses the string forms accepted in device payloads.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return unixFloat(secs), nil
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedPayload, s)
}

func unixFloat(secs float64) time.Time {
	whole := int64(secs)
	nanos := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, nanos).UTC()
}

// DecodeObject checks that payload is a JSON object and returns it unchanged.
func DecodeObject(payload []byte) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	return json.RawMessage(payload), nil
}

// Decode unmarshals a device payload into v, tagging failures as malformed.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}

// StatusPayload is published on tenant/{t}/device/{d}/status.
type StatusPayload struct {
	Timestamp      Timestamp       `json:"timestamp"`
	Status         string          `json:"status,omitempty"`
	ConnectionInfo json.RawMessage `json:"connection_info,omitempty"`
	SystemInfo     json.RawMessage `json:"system_info,omitempty"`
}

// TelemetryPayload is published on tenant/{t}/device/{d}/telemetry.
type TelemetryPayload struct {
	Timestamp Timestamp       `json:"timestamp"`
	Metrics   map[string]any  `json:"metrics,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ResponsePayload is published on tenant/{t}/device/{d}/response.
type ResponsePayload struct {
	Timestamp Timestamp       `json:"timestamp"`
	CommandID string          `json:"command_id"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// AlertPayload is published on tenant/{t}/device/{d}/alert. The backend
// builds the same shape for threshold breaches.
type AlertPayload struct {
	Timestamp Timestamp      `json:"timestamp"`
	Type      string         `json:"type,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HeartbeatPayload is published on tenant/{t}/device/{d}/heartbeat.
type HeartbeatPayload struct {
	Timestamp Timestamp `json:"timestamp"`
}

// CommandMessage is published to devices on the command and broadcast topics.
type CommandMessage struct {
	Timestamp  Timestamp      `json:"timestamp"`
	CommandID  string         `json:"command_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
	FromUser   string         `json:"from_user,omitempty"`
}
