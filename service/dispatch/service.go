// Package dispatch runs the worker pool that carries assigned tasks through
// execution. Engine loops publish task ids to the queue; workers load each
// task, start it against its assigned expert, invoke the executor and report
// the outcome back to the task store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/executor"
	"github.com/taskmesh/taskmesh/service/messaging"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/tracing"
)

// Request is the queue payload: a reference to a task due for execution.
type Request struct {
	TaskID   string `json:"taskId"`
	TenantID string `json:"tenantId,omitempty"`
}

// SnapshotInvalidator drops cached task status after a worker records an
// outcome, so dependent tasks become eligible without waiting out the TTL.
type SnapshotInvalidator interface {
	InvalidateSnapshot()
}

// Config represents dispatch pool configuration.
type Config struct {
	// WorkerCount is the number of workers consuming the queue.
	WorkerCount int `json:"workerCount" yaml:"workerCount"`
}

// DefaultConfig returns the default dispatch configuration.
func DefaultConfig() Config {
	return Config{WorkerCount: 5}
}

// Service is the dispatch worker pool.
type Service struct {
	config    Config
	tasks     *taskstore.Service
	queue     messaging.Queue[Request]
	executor  executor.Service
	snapshots SnapshotInvalidator

	inFlight atomic.Int64

	workers    []*worker
	workerWg   sync.WaitGroup
	shutdownCh chan struct{}
}

type worker struct {
	id       int
	service  *Service
	ctx      context.Context
	cancelFn context.CancelFunc
}

// New creates a dispatch pool.
func New(tasks *taskstore.Service, queue messaging.Queue[Request], exec executor.Service, snapshots SnapshotInvalidator, config Config) (*Service, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot invalidator is required")
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	return &Service{
		config:     config,
		tasks:      tasks,
		queue:      queue,
		executor:   exec,
		snapshots:  snapshots,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Submit enqueues a task for execution.
func (s *Service) Submit(ctx context.Context, taskID string) error {
	return s.queue.Publish(ctx, &Request{TaskID: taskID, TenantID: s.tasks.TenantID()})
}

// InFlight returns the number of tasks currently being executed by workers.
func (s *Service) InFlight() int {
	return int(s.inFlight.Load())
}

// Start spawns the worker goroutines; it does not block.
func (s *Service) Start(ctx context.Context) error {
	for i := 0; i < s.config.WorkerCount; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		worker := &worker{
			id:       i,
			service:  s,
			ctx:      workerCtx,
			cancelFn: cancel,
		}
		s.workers = append(s.workers, worker)
		s.workerWg.Add(1)
		go worker.run()
	}
	return nil
}

// Shutdown stops all workers and waits for in-flight executions to finish.
func (s *Service) Shutdown() {
	close(s.shutdownCh)
	for _, worker := range s.workers {
		worker.cancelFn()
	}
	s.workerWg.Wait()
}

// run consumes messages until the worker context is cancelled.
func (w *worker) run() {
	defer w.service.workerWg.Done()

	for {
		msg, err := w.service.queue.Consume(w.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Transient error (e.g. queue closed); back off a bit.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if msg == nil {
			continue
		}
		if pErr := w.service.processMessage(w.ctx, msg); pErr != nil {
			log.Printf("dispatch worker %d: failed to process message: %v", w.id, pErr)
		}
	}
}

// processMessage carries one task through start, execute and completion.
func (s *Service) processMessage(ctx context.Context, message messaging.Message[Request]) (err error) {
	request := message.T()
	ctx, span := tracing.StartSpan(ctx, "dispatch.execute", "CONSUMER")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"task.id": request.TaskID})

	task, err := s.tasks.GetTask(ctx, request.TaskID)
	if err != nil {
		return message.Nack(err)
	}

	switch task.Status {
	case model.StatusAssigned:
		// proceed below
	case model.StatusPending:
		// not assigned yet; requeue so the scheduler gets another chance
		return message.Nack(fmt.Errorf("task %s is not assigned yet", task.ID))
	default:
		// already running elsewhere or terminal; drop the message
		return message.Ack()
	}

	ok, err := s.tasks.StartTask(ctx, task.ID, task.Assignment.ExpertID)
	if err != nil {
		return message.Nack(err)
	}
	if !ok {
		// someone else moved the task first
		return message.Ack()
	}

	s.inFlight.Add(1)
	result, execErr := s.executor.Execute(ctx, task)
	s.inFlight.Add(-1)

	if execErr != nil {
		retryable := true
		var typed *executor.Error
		if errors.As(execErr, &typed) {
			retryable = typed.Retryable
		}
		if _, failErr := s.tasks.FailTask(ctx, task.ID, []string{execErr.Error()}, retryable); failErr != nil {
			return message.Nack(failErr)
		}
		s.snapshots.InvalidateSnapshot()
		return message.Ack()
	}

	var output map[string]interface{}
	var executionLog []string
	if result != nil {
		output = result.Output
		executionLog = result.ExecutionLog
	}
	if _, completeErr := s.tasks.CompleteTask(ctx, task.ID, output, executionLog); completeErr != nil {
		return message.Nack(completeErr)
	}
	s.snapshots.InvalidateSnapshot()
	return message.Ack()
}
