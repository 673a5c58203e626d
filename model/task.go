package model

import (
	"time"
)

// Status represents a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible without an
// explicit reset.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority represents task urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a sortable numeric rank, higher is more urgent. Unknown
// priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Role identifies the kind of expert a task requires.
type Role string

const (
	RolePlanner   Role = "planner"
	RoleExecutor  Role = "executor"
	RoleEvaluator Role = "evaluator"
)

// Assignment binds a task to an expert instance. A task has at most one
// assignment at a time; it survives completion/failure for audit purposes.
type Assignment struct {
	ExpertID          string        `json:"expertId" yaml:"expertId"`
	AssignerID        string        `json:"assignerId,omitempty" yaml:"assignerId,omitempty"`
	AssignedAt        time.Time     `json:"assignedAt" yaml:"assignedAt"`
	StartedAt         *time.Time    `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty"`
	ActualDuration    time.Duration `json:"actualDuration,omitempty" yaml:"actualDuration,omitempty"`
}

// Clone returns a deep copy.
func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	ret := *a
	if a.StartedAt != nil {
		t := *a.StartedAt
		ret.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		ret.CompletedAt = &t
	}
	return &ret
}

// Failure records a single failed attempt.
type Failure struct {
	At        time.Time `json:"at" yaml:"at"`
	Messages  []string  `json:"messages,omitempty" yaml:"messages,omitempty"`
	Retryable bool      `json:"retryable" yaml:"retryable"`
}

// Task is the unit of work coordinated by the engine.
type Task struct {
	ID          string `json:"id" yaml:"id"`
	TenantID    string `json:"tenantId" yaml:"tenantId"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Goal        string `json:"goal,omitempty" yaml:"goal,omitempty"`

	Status   Status   `json:"status" yaml:"status"`
	Priority Priority `json:"priority" yaml:"priority"`
	Role     Role     `json:"role" yaml:"role"`

	Assignment *Assignment `json:"assignment,omitempty" yaml:"assignment,omitempty"`

	RetryCount         int       `json:"retryCount" yaml:"retryCount"`
	MaxRetries         int       `json:"maxRetries" yaml:"maxRetries"`
	RequiresReplanning bool      `json:"requiresReplanning,omitempty" yaml:"requiresReplanning,omitempty"`
	Failures           []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`

	Output       map[string]interface{} `json:"output,omitempty" yaml:"output,omitempty"`
	ExecutionLog []string               `json:"executionLog,omitempty" yaml:"executionLog,omitempty"`

	Metadata Metadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Assigned reports whether the task currently holds an active assignment.
func (t *Task) Assigned() bool {
	return t.Status == StatusAssigned || t.Status == StatusInProgress
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	ret := *t
	ret.Assignment = t.Assignment.Clone()
	if len(t.Failures) > 0 {
		ret.Failures = make([]Failure, len(t.Failures))
		copy(ret.Failures, t.Failures)
		for i := range ret.Failures {
			ret.Failures[i].Messages = append([]string(nil), t.Failures[i].Messages...)
		}
	}
	if t.Output != nil {
		ret.Output = make(map[string]interface{}, len(t.Output))
		for k, v := range t.Output {
			ret.Output[k] = v
		}
	}
	ret.ExecutionLog = append([]string(nil), t.ExecutionLog...)
	ret.Metadata = t.Metadata.Clone()
	return &ret
}
