package model

import "time"

// EventType identifies a task transition.
type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventTaskRetried   EventType = "task_retried"
)

// Event is an immutable record of a single task transition.
type Event struct {
	ID      string            `json:"id" yaml:"id"`
	TaskID  string            `json:"taskId" yaml:"taskId"`
	Type    EventType         `json:"type" yaml:"type"`
	Actor   string            `json:"actor,omitempty" yaml:"actor,omitempty"`
	Details map[string]string `json:"details,omitempty" yaml:"details,omitempty"`
	At      time.Time         `json:"at" yaml:"at"`
}
