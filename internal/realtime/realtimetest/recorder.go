// Package realtimetest provides an in-memory realtime.Sink for tests.
package realtimetest

import (
	"context"
	"sync"
)

// Update is one recorded SendUpdate call.
type Update struct {
	Data     any
	TenantID string
	Category string
	DocID    string
}

// Notification is one recorded SendNotification call.
type Notification struct {
	Data     any
	TenantID string
	Type     string
}

// Recorder records pushes.
type Recorder struct {
	mu            sync.Mutex
	updates       []Update
	notifications []Notification

	// Err is returned by every call after recording it.
	Err error
}

// SendUpdate implements realtime.Sink.
func (r *Recorder) SendUpdate(_ context.Context, tenantID, category, docID string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, Update{TenantID: tenantID, Category: category, DocID: docID, Data: data})
	return r.Err
}

// SendNotification implements realtime.Sink.
func (r *Recorder) SendNotification(_ context.Context, tenantID, notificationType string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, Notification{TenantID: tenantID, Type: notificationType, Data: data})
	return r.Err
}

// Updates returns the recorded updates, optionally filtered by category.
func (r *Recorder) Updates(category string) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, u := range r.updates {
		if category == "" || u.Category == category {
			out = append(out, u)
		}
	}
	return out
}

// Notifications returns the recorded notifications, optionally filtered by type.
func (r *Recorder) Notifications(notificationType string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notifications {
		if notificationType == "" || n.Type == notificationType {
			out = append(out, n)
		}
	}
	return out
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
	r.notifications = nil
}
