package model

import "time"

// WorkflowStatus represents a workflow lifecycle state.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the workflow reached a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Node is a single step of a workflow, backed by a task. Retry accounting
// lives on the task itself (Task.RetryCount); MaxRetries is the node budget
// the engine enforces against it.
type Node struct {
	TaskID        string        `json:"taskId" yaml:"taskId"`
	Name          string        `json:"name" yaml:"name"`
	Role          Role          `json:"role" yaml:"role"`
	DependsOn     []string      `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	MaxRetries    int           `json:"maxRetries" yaml:"maxRetries"`
	ParallelGroup string        `json:"parallelGroup,omitempty" yaml:"parallelGroup,omitempty"`
	Estimated     time.Duration `json:"estimated,omitempty" yaml:"estimated,omitempty"`

	// Status mirrors the backing task's status as of the last refresh.
	Status Status `json:"status" yaml:"status"`
	// Dispatched marks a node already handed to the dispatch pool.
	Dispatched bool `json:"dispatched" yaml:"dispatched"`
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	ret := *n
	ret.DependsOn = append([]string(nil), n.DependsOn...)
	return &ret
}

// Workflow is a named DAG of task nodes executed to completion or failure.
type Workflow struct {
	ID       string         `json:"id" yaml:"id"`
	TenantID string         `json:"tenantId" yaml:"tenantId"`
	Name     string         `json:"name" yaml:"name"`
	Nodes    []*Node        `json:"nodes" yaml:"nodes"`
	Status   WorkflowStatus `json:"status" yaml:"status"`

	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
}

// Node returns the node backed by the given task id, or nil.
func (w *Workflow) Node(taskID string) *Node {
	for _, node := range w.Nodes {
		if node.TaskID == taskID {
			return node
		}
	}
	return nil
}

// NodeByName returns the node with the given name, or nil.
func (w *Workflow) NodeByName(name string) *Node {
	for _, node := range w.Nodes {
		if node.Name == name {
			return node
		}
	}
	return nil
}

// CompletionPercentage returns completed nodes over total in [0,100].
func (w *Workflow) CompletionPercentage() float64 {
	if len(w.Nodes) == 0 {
		return 0
	}
	completed := 0
	for _, node := range w.Nodes {
		if node.Status == StatusCompleted {
			completed++
		}
	}
	return 100 * float64(completed) / float64(len(w.Nodes))
}

// RemainingEstimate sums estimated durations of nodes that are neither
// completed nor currently running. Heuristic only.
func (w *Workflow) RemainingEstimate() time.Duration {
	var total time.Duration
	for _, node := range w.Nodes {
		switch node.Status {
		case StatusCompleted, StatusInProgress:
		default:
			total += node.Estimated
		}
	}
	return total
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	ret := *w
	ret.Nodes = make([]*Node, len(w.Nodes))
	for i, node := range w.Nodes {
		ret.Nodes[i] = node.Clone()
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		ret.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		ret.CompletedAt = &t
	}
	return &ret
}
