// Package taskstore is the authoritative ledger of tasks: CRUD plus a strict
// lifecycle state machine. Every transition is an atomic check-then-set; a
// caller racing another loop observes a precondition failure and no-ops.
// Expert capacity counters are mutated only inside these transitions so the
// load accounting can never drift from task state.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/clock"
	"github.com/taskmesh/taskmesh/internal/idgen"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/notify"
	"github.com/taskmesh/taskmesh/service/registry"
	"github.com/taskmesh/taskmesh/tracing"
)

var (
	// ErrPreconditionFailed marks a transition attempted from the wrong
	// status. Transitions surface it as a false result; it is exported for
	// callers that need the error form.
	ErrPreconditionFailed = errors.New("taskstore: precondition failed")

	// ErrRetriesExhausted is returned by ResetForRetry once the retry budget
	// is spent.
	ErrRetriesExhausted = errors.New("taskstore: retries exhausted")
)

// TaskSpec describes a task to create.
type TaskSpec struct {
	Title       string
	Description string
	Goal        string
	Priority    model.Priority
	Role        model.Role
	MaxRetries  int
	Metadata    model.Metadata
}

// Service is the task store of a single tenant.
type Service struct {
	tenantID string
	tasks    dao.Service[dao.Key, model.Task]
	registry *registry.Service
	notifier notify.Service

	// mux serialises transitions; the status precondition check and the
	// corresponding capacity adjustment happen under the same lock.
	mux sync.Mutex

	eventMux sync.RWMutex
	events   map[string][]*model.Event
}

// New creates a task store backed by the supplied task DAO.
func New(tenantID string, tasks dao.Service[dao.Key, model.Task], experts *registry.Service, notifier notify.Service) *Service {
	if notifier == nil {
		notifier = notify.NewNop()
	}
	return &Service{
		tenantID: tenantID,
		tasks:    tasks,
		registry: experts,
		notifier: notifier,
		events:   map[string][]*model.Event{},
	}
}

// TenantID returns the tenant this store belongs to.
func (s *Service) TenantID() string { return s.tenantID }

// CreateTask validates the spec and persists a new pending task.
func (s *Service) CreateTask(ctx context.Context, spec *TaskSpec) (task *model.Task, err error) {
	ctx, span := tracing.StartSpan(ctx, "taskstore.CreateTask", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	if spec == nil {
		return nil, fmt.Errorf("task spec is required")
	}
	if spec.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if spec.Role == "" {
		return nil, fmt.Errorf("task role is required")
	}
	priority := spec.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := clock.Now()
	task = &model.Task{
		ID:          idgen.New(),
		TenantID:    s.tenantID,
		Title:       spec.Title,
		Description: spec.Description,
		Goal:        spec.Goal,
		Status:      model.StatusPending,
		Priority:    priority,
		Role:        spec.Role,
		MaxRetries:  maxRetries,
		Metadata:    spec.Metadata.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.WithAttributes(map[string]string{"task.id": task.ID, "task.role": string(task.Role)})
	if err = s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, task, model.EventTaskCreated, "", map[string]string{"title": task.Title})
	return task, nil
}

// GetTask returns the task or dao.ErrNotFound.
func (s *Service) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return s.tasks.Load(ctx, dao.NewKey(s.tenantID, id))
}

// AssignTask binds a pending task to an expert with spare capacity of the
// matching role. It returns false, without error, when the status
// precondition, role match or capacity check fails; a second call without an
// intervening reset is therefore a no-op.
func (s *Service) AssignTask(ctx context.Context, taskID, expertID, assignerID string, estimated time.Duration) (ok bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "taskstore.AssignTask", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"task.id": taskID, "expert.id": expertID})

	s.mux.Lock()
	defer s.mux.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != model.StatusPending {
		return false, nil
	}
	expert, err := s.registry.GetExpert(ctx, expertID)
	if err != nil {
		return false, err
	}
	if expert.Role != task.Role {
		return false, nil
	}
	if !expert.HasCapacity() {
		return false, nil
	}

	now := clock.Now()
	task.Status = model.StatusAssigned
	task.Assignment = &model.Assignment{
		ExpertID:          expertID,
		AssignerID:        assignerID,
		AssignedAt:        now,
		EstimatedDuration: estimated,
	}
	task.UpdatedAt = now
	if err = s.tasks.Save(ctx, task); err != nil {
		return false, err
	}
	if err = s.registry.AdjustLoad(ctx, expertID, 1); err != nil {
		return false, err
	}
	s.recordEvent(ctx, task, model.EventTaskAssigned, assignerID, map[string]string{"expert": expertID})
	return true, nil
}

// StartTask moves an assigned task to in-progress. The expert id must match
// the current assignment.
func (s *Service) StartTask(ctx context.Context, taskID, expertID string) (ok bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "taskstore.StartTask", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	s.mux.Lock()
	defer s.mux.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != model.StatusAssigned {
		return false, nil
	}
	if task.Assignment == nil || task.Assignment.ExpertID != expertID {
		return false, nil
	}
	now := clock.Now()
	task.Status = model.StatusInProgress
	task.Assignment.StartedAt = &now
	task.UpdatedAt = now
	if err = s.tasks.Save(ctx, task); err != nil {
		return false, err
	}
	s.recordEvent(ctx, task, model.EventTaskStarted, expertID, nil)
	return true, nil
}

// CompleteTask finishes an in-progress task, releases the expert's slot and
// folds the outcome into its rolling performance. A numeric "quality_score"
// in the output contributes to the quality average.
func (s *Service) CompleteTask(ctx context.Context, taskID string, output map[string]interface{}, executionLog []string) (ok bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "taskstore.CompleteTask", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	s.mux.Lock()
	defer s.mux.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != model.StatusInProgress {
		return false, nil
	}
	now := clock.Now()
	task.Status = model.StatusCompleted
	task.Output = output
	task.ExecutionLog = append([]string(nil), executionLog...)
	task.Assignment.CompletedAt = &now
	if task.Assignment.StartedAt != nil {
		task.Assignment.ActualDuration = now.Sub(*task.Assignment.StartedAt)
	}
	task.UpdatedAt = now
	if err = s.tasks.Save(ctx, task); err != nil {
		return false, err
	}
	expertID := task.Assignment.ExpertID
	if err = s.registry.AdjustLoad(ctx, expertID, -1); err != nil {
		return false, err
	}
	if err = s.registry.RecordOutcome(ctx, expertID, true, qualityScore(output)); err != nil {
		return false, err
	}
	s.recordEvent(ctx, task, model.EventTaskCompleted, expertID, nil)
	return true, nil
}

// FailTask fails an assigned or in-progress task, releases the expert's slot
// and records the failed attempt.
func (s *Service) FailTask(ctx context.Context, taskID string, messages []string, retryPossible bool) (ok bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "taskstore.FailTask", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	s.mux.Lock()
	defer s.mux.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != model.StatusAssigned && task.Status != model.StatusInProgress {
		return false, nil
	}
	now := clock.Now()
	task.Status = model.StatusFailed
	task.Failures = append(task.Failures, model.Failure{
		At:        now,
		Messages:  append([]string(nil), messages...),
		Retryable: retryPossible,
	})
	task.UpdatedAt = now
	if err = s.tasks.Save(ctx, task); err != nil {
		return false, err
	}
	expertID := task.Assignment.ExpertID
	if err = s.registry.AdjustLoad(ctx, expertID, -1); err != nil {
		return false, err
	}
	if err = s.registry.RecordOutcome(ctx, expertID, false, nil); err != nil {
		return false, err
	}
	s.recordEvent(ctx, task, model.EventTaskFailed, expertID, map[string]string{"retryable": fmt.Sprintf("%t", retryPossible)})
	return true, nil
}

// CancelTask cancels any non-terminal task, releasing a held expert slot if
// the task was assigned or in progress.
func (s *Service) CancelTask(ctx context.Context, taskID, reason string) (ok bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "taskstore.CancelTask", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	s.mux.Lock()
	defer s.mux.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.IsTerminal() {
		return false, nil
	}
	wasActive := task.Assigned()
	now := clock.Now()
	task.Status = model.StatusCancelled
	task.UpdatedAt = now
	if err = s.tasks.Save(ctx, task); err != nil {
		return false, err
	}
	if wasActive {
		if err = s.registry.AdjustLoad(ctx, task.Assignment.ExpertID, -1); err != nil {
			return false, err
		}
	}
	s.recordEvent(ctx, task, model.EventTaskCancelled, "", map[string]string{"reason": reason})
	return true, nil
}

// ResetForRetry moves a failed task back to pending, consuming one retry.
// Once RetryCount reaches MaxRetries it fails with ErrRetriesExhausted and
// the task stays failed.
func (s *Service) ResetForRetry(ctx context.Context, taskID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "taskstore.ResetForRetry", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	s.mux.Lock()
	defer s.mux.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.StatusFailed {
		return fmt.Errorf("task %s is %s, not failed: %w", taskID, task.Status, ErrPreconditionFailed)
	}
	if task.RetryCount >= task.MaxRetries {
		return fmt.Errorf("task %s used %d of %d retries: %w", taskID, task.RetryCount, task.MaxRetries, ErrRetriesExhausted)
	}
	task.RetryCount++
	task.Status = model.StatusPending
	task.Assignment = nil
	task.UpdatedAt = clock.Now()
	if err = s.tasks.Save(ctx, task); err != nil {
		return err
	}
	s.recordEvent(ctx, task, model.EventTaskRetried, "", map[string]string{"retry": fmt.Sprintf("%d", task.RetryCount)})
	return nil
}

// MarkRequiresReplanning flags a retry-exhausted task for the replanning
// escalation path.
func (s *Service) MarkRequiresReplanning(ctx context.Context, taskID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.RequiresReplanning {
		return nil
	}
	task.RequiresReplanning = true
	task.UpdatedAt = clock.Now()
	return s.tasks.Save(ctx, task)
}

// GetTasksByStatus returns tenant tasks in any of the given statuses.
func (s *Service) GetTasksByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Task, error) {
	parameters := []*dao.Parameter{dao.NewParameter(dao.ParamTenantID, s.tenantID)}
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, status := range statuses {
			values = append(values, string(status))
		}
		parameters = append(parameters, dao.NewParameter(dao.ParamStatus, values...))
	}
	return s.tasks.List(ctx, parameters...)
}

// GetTasksForExpert returns tasks currently held by the expert.
func (s *Service) GetTasksForExpert(ctx context.Context, expertID string) ([]*model.Task, error) {
	tasks, err := s.GetTasksByStatus(ctx, model.StatusAssigned, model.StatusInProgress)
	if err != nil {
		return nil, err
	}
	var out []*model.Task
	for _, task := range tasks {
		if task.Assignment != nil && task.Assignment.ExpertID == expertID {
			out = append(out, task)
		}
	}
	return out, nil
}

// Events returns the immutable transition log of a task.
func (s *Service) Events(taskID string) []*model.Event {
	s.eventMux.RLock()
	defer s.eventMux.RUnlock()
	events := s.events[taskID]
	out := make([]*model.Event, len(events))
	copy(out, events)
	return out
}

func (s *Service) recordEvent(ctx context.Context, task *model.Task, eventType model.EventType, actor string, details map[string]string) {
	event := &model.Event{
		ID:      idgen.New(),
		TaskID:  task.ID,
		Type:    eventType,
		Actor:   actor,
		Details: details,
		At:      clock.Now(),
	}
	s.eventMux.Lock()
	s.events[task.ID] = append(s.events[task.ID], event)
	s.eventMux.Unlock()

	// fire-and-forget; sinks must not block and delivery errors are advisory
	_ = s.notifier.Notify(ctx, &notify.Notification{
		TaskID:  task.ID,
		Type:    string(eventType),
		Title:   task.Title,
		Message: fmt.Sprintf("task %s %s", task.ID, eventType),
		At:      event.At,
	})
}

func qualityScore(output map[string]interface{}) *float64 {
	if output == nil {
		return nil
	}
	raw, ok := output["quality_score"]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case float64:
		return &value
	case float32:
		v := float64(value)
		return &v
	case int:
		v := float64(value)
		return &v
	}
	return nil
}
