package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/clock"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/policy"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/tracing"
)

// TriggerReplanning marks tasks created by the supervisor when a task
// exhausts its retries.
const TriggerReplanning = "replanning"

// Scheduler interval adaptation bounds, driven by the mean observed
// execution time of completed tasks.
const (
	slowExecutionMean = 5 * time.Minute
	fastExecutionMean = time.Minute
	intervalStep      = 5 * time.Second
)

// RunCycle performs one health-check pass.
func (s *Service) RunCycle(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, "supervisor.cycle", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	config := s.Configuration()
	if p := policy.FromContext(ctx); p != nil {
		config.Mode = p.Mode
		if p.MaxConcurrentExecutions > 0 {
			config.MaxConcurrentExecutions = p.MaxConcurrentExecutions
		}
	}
	now := clock.Now()

	if err := s.checkWorkflows(ctx, config); err != nil {
		return err
	}
	ready, err := s.checkWaitingTasks(ctx, config, now)
	if err != nil {
		return err
	}
	if config.Mode.Dispatches() {
		if err := s.dispatchBounded(ctx, config); err != nil {
			return err
		}
	}
	if err := s.checkTimeouts(ctx, config, now); err != nil {
		return err
	}
	if err := s.sweepFailedTasks(ctx); err != nil {
		return err
	}
	if config.Mode.Optimizes() {
		if err := s.scale(ctx, config, ready); err != nil {
			return err
		}
		if err := s.adaptSchedulerInterval(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkWorkflows flags running workflows that are stuck or failing too
// often. Stuck means incomplete with no node assigned, running or awaiting
// scheduling.
func (s *Service) checkWorkflows(ctx context.Context, config Config) error {
	running, err := s.workflows.ListWorkflows(ctx, model.WorkflowRunning)
	if err != nil {
		return fmt.Errorf("failed to list running workflows: %w", err)
	}
	for _, wf := range running {
		status, err := s.workflows.GetWorkflowStatus(ctx, wf.ID)
		if err != nil {
			return err
		}
		inFlight, failed := 0, 0
		for _, node := range status.Nodes {
			switch node.Status {
			case model.StatusPending, model.StatusAssigned, model.StatusInProgress:
				inFlight++
			case model.StatusFailed:
				failed++
			}
		}
		if status.Completion < 100 && inFlight == 0 {
			s.raiseAlert(ctx, model.AlertWorkflowStuck, model.SeverityWarning, wf.ID,
				fmt.Sprintf("workflow %q is incomplete with no work in flight", wf.Name), nil)
		}
		if len(status.Nodes) > 0 && float64(failed)/float64(len(status.Nodes)) > config.HighFailureRate {
			s.raiseAlert(ctx, model.AlertHighFailureRate, model.SeverityCritical, wf.ID,
				fmt.Sprintf("workflow %q failure rate exceeds %.0f%%", wf.Name, 100*config.HighFailureRate),
				map[string]string{"failedNodes": fmt.Sprintf("%d", failed), "totalNodes": fmt.Sprintf("%d", len(status.Nodes))})
		}
	}
	return nil
}

// checkWaitingTasks flags ready tasks pending longer than the threshold and
// returns the ready pending set for the scaling step.
func (s *Service) checkWaitingTasks(ctx context.Context, config Config, now time.Time) ([]*model.Task, error) {
	pending, err := s.tasks.GetTasksByStatus(ctx, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending tasks: %w", err)
	}
	readyIDs, err := s.graph.GetReadyTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ready tasks: %w", err)
	}
	isReady := make(map[string]bool, len(readyIDs))
	for _, id := range readyIDs {
		isReady[id] = true
	}
	var ready []*model.Task
	for _, task := range pending {
		if !isReady[task.ID] {
			continue
		}
		ready = append(ready, task)
		if now.Sub(task.UpdatedAt) > config.WaitingThreshold {
			s.raiseAlert(ctx, model.AlertTasksWaitingTooLong, model.SeverityWarning, task.ID,
				fmt.Sprintf("task %q has been ready for over %s", task.Title, config.WaitingThreshold), nil)
		}
	}
	return ready, nil
}

// dispatchBounded hands assigned tasks to the dispatch pool, highest
// priority first, keeping total fan-out under the configured bound. Workers
// drop duplicates through the start precondition, so resubmission is safe.
func (s *Service) dispatchBounded(ctx context.Context, config Config) error {
	budget := config.MaxConcurrentExecutions - s.dispatch.InFlight()
	if budget <= 0 {
		return nil
	}
	assigned, err := s.tasks.GetTasksByStatus(ctx, model.StatusAssigned)
	if err != nil {
		return fmt.Errorf("failed to fetch assigned tasks: %w", err)
	}
	sort.SliceStable(assigned, func(i, j int) bool {
		if assigned[i].Priority.Rank() != assigned[j].Priority.Rank() {
			return assigned[i].Priority.Rank() > assigned[j].Priority.Rank()
		}
		return assigned[i].ID < assigned[j].ID
	})
	for _, task := range assigned {
		if budget == 0 {
			break
		}
		if err := s.dispatch.Submit(ctx, task.ID); err != nil {
			return fmt.Errorf("failed to submit task %s: %w", task.ID, err)
		}
		budget--
	}
	return nil
}

// checkTimeouts flags in-progress tasks running longer than the timeout.
// Advisory only, dispatched work is never cancelled.
func (s *Service) checkTimeouts(ctx context.Context, config Config, now time.Time) error {
	inProgress, err := s.tasks.GetTasksByStatus(ctx, model.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to fetch in-progress tasks: %w", err)
	}
	for _, task := range inProgress {
		if task.Assignment == nil || task.Assignment.StartedAt == nil {
			continue
		}
		if now.Sub(*task.Assignment.StartedAt) > config.TaskTimeout {
			s.raiseAlert(ctx, model.AlertTaskTimeout, model.SeverityCritical, task.ID,
				fmt.Sprintf("task %q has been running for over %s", task.Title, config.TaskTimeout),
				map[string]string{"expertId": task.Assignment.ExpertID})
		}
	}
	return nil
}

// sweepFailedTasks resets retryable failed tasks; once retries are exhausted
// it marks the task for replanning and emits a single replanning task.
func (s *Service) sweepFailedTasks(ctx context.Context) error {
	failed, err := s.tasks.GetTasksByStatus(ctx, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to fetch failed tasks: %w", err)
	}
	for _, task := range failed {
		retryErr := s.tasks.ResetForRetry(ctx, task.ID)
		switch {
		case retryErr == nil:
			s.graph.InvalidateSnapshot()
			continue
		case errors.Is(retryErr, taskstore.ErrPreconditionFailed):
			// another loop moved the task first
			continue
		case !errors.Is(retryErr, taskstore.ErrRetriesExhausted):
			return fmt.Errorf("failed to reset task %s: %w", task.ID, retryErr)
		}
		if task.RequiresReplanning {
			continue
		}
		if err := s.tasks.MarkRequiresReplanning(ctx, task.ID); err != nil {
			return err
		}
		s.raiseAlert(ctx, model.AlertRetriesExhausted, model.SeverityCritical, task.ID,
			fmt.Sprintf("task %q exhausted its %d retries", task.Title, task.MaxRetries), nil)
		if err := s.emitReplanningTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// emitReplanningTask creates one urgent planner task carrying all
// still-incomplete task ids. At most one replanning task is open at a time.
func (s *Service) emitReplanningTask(ctx context.Context, exhausted *model.Task) error {
	open, err := s.tasks.GetTasksByStatus(ctx, model.StatusPending, model.StatusAssigned, model.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to fetch open tasks: %w", err)
	}
	var incomplete []string
	for _, task := range open {
		if task.Metadata.TriggerType == TriggerReplanning {
			// a replanning round is already under way
			return nil
		}
		incomplete = append(incomplete, task.ID)
	}
	incomplete = append(incomplete, exhausted.ID)
	sort.Strings(incomplete)

	plan, err := s.tasks.CreateTask(ctx, &taskstore.TaskSpec{
		Title:       fmt.Sprintf("Replan after task %q exhausted retries", exhausted.Title),
		Description: fmt.Sprintf("Task %s failed %d times and requires replanning.", exhausted.ID, len(exhausted.Failures)),
		Goal:        "Produce a revised plan covering the incomplete tasks",
		Priority:    model.PriorityUrgent,
		Role:        model.RolePlanner,
		Metadata: model.Metadata{
			TriggerType: TriggerReplanning,
			Extra: map[string]string{
				"failedTaskId":    exhausted.ID,
				"incompleteTasks": strings.Join(incomplete, ","),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create replanning task: %w", err)
	}
	// register the new task so ready-only scheduling rounds can see it
	s.graph.AddTask(plan)
	s.graph.InvalidateSnapshot()
	return nil
}

// scale requests expert capacity per role from the pending backlog and the
// configured tasks-per-instance ratio.
func (s *Service) scale(ctx context.Context, config Config, ready []*model.Task) error {
	backlog := map[model.Role]int{}
	for _, task := range ready {
		backlog[task.Role]++
	}
	for role, count := range backlog {
		desired := (count + config.AvgTasksPerInstance - 1) / config.AvgTasksPerInstance
		if _, err := s.experts.EnsureCapacity(ctx, role, desired); err != nil {
			return fmt.Errorf("failed to scale %s experts: %w", role, err)
		}
	}
	return nil
}

// adaptSchedulerInterval nudges the scheduler interval from the mean
// observed execution time: long runs slow polling down, short runs speed it
// up. The scheduler clamps to its own bounds.
func (s *Service) adaptSchedulerInterval(ctx context.Context) error {
	completed, err := s.tasks.GetTasksByStatus(ctx, model.StatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to fetch completed tasks: %w", err)
	}
	var total time.Duration
	samples := 0
	for _, task := range completed {
		if task.Assignment == nil || task.Assignment.ActualDuration <= 0 {
			continue
		}
		total += task.Assignment.ActualDuration
		samples++
	}
	if samples == 0 {
		return nil
	}
	mean := total / time.Duration(samples)
	current := s.scheduler.Interval()
	switch {
	case mean > slowExecutionMean:
		s.scheduler.SetInterval(current + intervalStep)
	case mean < fastExecutionMean:
		s.scheduler.SetInterval(current - intervalStep)
	}
	return nil
}
