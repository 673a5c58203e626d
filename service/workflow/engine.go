package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/taskmesh/taskmesh/internal/clock"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/tracing"
)

// Start begins the engine loop; it blocks until ctx is cancelled or Shutdown
// is called. Per-workflow errors are logged and the loop continues.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Printf("workflow: engine pass failed: %v", err)
			}
		}
	}
}

// Shutdown stops the engine loop.
func (s *Service) Shutdown() {
	close(s.shutdownCh)
}

// RunOnce advances every running workflow a single step: refresh node
// states, retry failed nodes within budget, settle terminal outcomes and
// hand assigned nodes to the dispatch pool.
func (s *Service) RunOnce(ctx context.Context) error {
	running, err := s.ListWorkflows(ctx, model.WorkflowRunning)
	if err != nil {
		return fmt.Errorf("failed to list running workflows: %w", err)
	}
	for _, workflow := range running {
		if err := s.advance(ctx, workflow.ID); err != nil {
			log.Printf("workflow: failed to advance %s (%s): %v", workflow.Name, workflow.ID, err)
		}
	}
	return nil
}

// advance performs one engine step for a single workflow.
func (s *Service) advance(ctx context.Context, workflowID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.advance", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"workflow.id": workflowID})

	s.mux.Lock()
	defer s.mux.Unlock()

	workflow, err := s.workflows.Load(ctx, dao.NewKey(s.tenantID, workflowID))
	if err != nil {
		return err
	}
	if workflow.Status != model.WorkflowRunning {
		return nil
	}

	completed := 0
	for _, node := range workflow.Nodes {
		task, err := s.tasks.GetTask(ctx, node.TaskID)
		if err != nil {
			return fmt.Errorf("failed to load task for node %q: %w", node.Name, err)
		}
		node.Status = task.Status

		switch task.Status {
		case model.StatusCompleted:
			completed++
		case model.StatusFailed:
			settled, err := s.retryNode(ctx, workflow, node, task)
			if err != nil {
				return err
			}
			if settled {
				return s.workflows.Save(ctx, workflow)
			}
		case model.StatusCancelled:
			now := clock.Now()
			workflow.Status = model.WorkflowCancelled
			workflow.CompletedAt = &now
			return s.workflows.Save(ctx, workflow)
		}
	}

	if completed == len(workflow.Nodes) {
		now := clock.Now()
		workflow.Status = model.WorkflowCompleted
		workflow.CompletedAt = &now
		return s.workflows.Save(ctx, workflow)
	}

	for _, node := range workflow.Nodes {
		if node.Status != model.StatusAssigned || node.Dispatched {
			continue
		}
		if err := s.dispatch.Submit(ctx, node.TaskID); err != nil {
			return fmt.Errorf("failed to dispatch node %q: %w", node.Name, err)
		}
		node.Dispatched = true
	}
	return s.workflows.Save(ctx, workflow)
}

// retryNode resets a failed node's task when the retry budget and failure
// retryability allow it; otherwise the workflow is marked failed. The second
// case returns settled=true so the caller stops advancing.
func (s *Service) retryNode(ctx context.Context, workflow *model.Workflow, node *model.Node, task *model.Task) (settled bool, err error) {
	retryable := true
	if n := len(task.Failures); n > 0 {
		retryable = task.Failures[n-1].Retryable
	}
	if retryable && task.RetryCount < node.MaxRetries {
		if err := s.tasks.ResetForRetry(ctx, task.ID); err != nil {
			if errors.Is(err, taskstore.ErrRetriesExhausted) {
				return true, s.failWorkflow(workflow)
			}
			return false, fmt.Errorf("failed to retry node %q: %w", node.Name, err)
		}
		node.Status = model.StatusPending
		node.Dispatched = false
		s.graph.InvalidateSnapshot()
		return false, nil
	}
	return true, s.failWorkflow(workflow)
}

func (s *Service) failWorkflow(workflow *model.Workflow) error {
	now := clock.Now()
	workflow.Status = model.WorkflowFailed
	workflow.CompletedAt = &now
	return nil
}
