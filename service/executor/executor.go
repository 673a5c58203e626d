// Package executor defines the task execution collaborator. The engine
// treats the substance of work as opaque: an executor receives an assigned
// task and returns output or a failure; completion is reported back to the
// task store by the caller, never by the executor itself.
package executor

import (
	"context"

	"github.com/taskmesh/taskmesh/model"
)

// Result carries the outcome of a successful execution. A "quality_score"
// entry in Output, when numeric, feeds the expert's rolling performance.
type Result struct {
	Output       map[string]interface{}
	ExecutionLog []string
}

// Error is a typed execution failure; Retryable failures are eligible for
// the engine's retry policy.
type Error struct {
	TaskID    string
	Reason    string
	Retryable bool
}

// Error implements error.
func (e *Error) Error() string {
	return "execution of task " + e.TaskID + " failed: " + e.Reason
}

// Service executes assigned tasks.
type Service interface {
	Execute(ctx context.Context, task *model.Task) (*Result, error)
}

// Nop completes every task with empty output.
type Nop struct{}

// Execute implements Service.
func (n *Nop) Execute(_ context.Context, _ *model.Task) (*Result, error) {
	return &Result{}, nil
}

// NewNop creates a no-op executor.
func NewNop() *Nop { return &Nop{} }

var _ Service = (*Nop)(nil)
