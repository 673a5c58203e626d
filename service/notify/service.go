// Package notify defines the notification sink collaborator. Transitions in
// the task store emit a notification for every lifecycle change; sinks are
// fire-and-forget and must not block the calling transition.
package notify

import (
	"context"
	"sync"
	"time"
)

// Notification describes a single task lifecycle announcement.
type Notification struct {
	TaskID     string
	Type       string
	Title      string
	Message    string
	Recipients []string
	At         time.Time
}

// Service is the notification sink contract.
type Service interface {
	// Notify delivers a notification; errors are advisory, the caller never
	// retries.
	Notify(ctx context.Context, notification *Notification) error
}

// Nop discards all notifications.
type Nop struct{}

// Notify implements Service.
func (n *Nop) Notify(_ context.Context, _ *Notification) error { return nil }

// NewNop creates a discarding sink.
func NewNop() *Nop { return &Nop{} }

// Memory records notifications for inspection, mainly in tests and local
// runs.
type Memory struct {
	mux  sync.RWMutex
	sent []*Notification
}

// NewMemory creates a recording sink.
func NewMemory() *Memory { return &Memory{} }

// Notify implements Service.
func (m *Memory) Notify(_ context.Context, notification *Notification) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.sent = append(m.sent, notification)
	return nil
}

// Sent returns a copy of all recorded notifications.
func (m *Memory) Sent() []*Notification {
	m.mux.RLock()
	defer m.mux.RUnlock()
	out := make([]*Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

var _ Service = (*Nop)(nil)
var _ Service = (*Memory)(nil)
