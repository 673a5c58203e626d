// Package scheduler runs the per-tenant assignment loop: each round it
// fetches pending (optionally ready-filtered) tasks in priority order and
// assigns each to the best-scoring eligible expert through the task store.
// Tasks with no eligible expert stay pending and count as failed
// assignments.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/clock"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/graph"
	"github.com/taskmesh/taskmesh/service/registry"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/tracing"
)

// Weights are the per-role scoring weights and eligibility threshold.
type Weights struct {
	Availability     float64 `json:"availability" yaml:"availability"`
	Priority         float64 `json:"priority" yaml:"priority"`
	Specialization   float64 `json:"specialization" yaml:"specialization"`
	MaxLoadThreshold float64 `json:"maxLoadThreshold" yaml:"maxLoadThreshold"`
}

// Config represents scheduler configuration.
type Config struct {
	// PollingInterval is how often a scheduling round runs.
	PollingInterval time.Duration `json:"pollingInterval" yaml:"pollingInterval"`

	// MinInterval/MaxInterval bound SetInterval adjustments.
	MinInterval time.Duration `json:"minInterval" yaml:"minInterval"`
	MaxInterval time.Duration `json:"maxInterval" yaml:"maxInterval"`

	// ReadyOnly restricts rounds to dependency-ready tasks when a graph is
	// attached.
	ReadyOnly bool `json:"readyOnly" yaml:"readyOnly"`

	RoleWeights    map[model.Role]Weights `json:"roleWeights" yaml:"roleWeights"`
	DefaultWeights Weights                `json:"defaultWeights" yaml:"defaultWeights"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollingInterval: 30 * time.Second,
		MinInterval:     10 * time.Second,
		MaxInterval:     60 * time.Second,
		ReadyOnly:       true,
		RoleWeights: map[model.Role]Weights{
			model.RolePlanner:   {Availability: 1.5, Priority: 1.2, Specialization: 0.8, MaxLoadThreshold: 0.8},
			model.RoleExecutor:  {Availability: 1.2, Priority: 1.0, Specialization: 0.6, MaxLoadThreshold: 0.9},
			model.RoleEvaluator: {Availability: 1.3, Priority: 1.1, Specialization: 0.7, MaxLoadThreshold: 0.85},
		},
		DefaultWeights: Weights{Availability: 1.0, Priority: 1.0, Specialization: 1.0, MaxLoadThreshold: 0.85},
	}
}

// Metrics captures the scheduler's rolling counters.
type Metrics struct {
	Rounds             int
	Assigned           int
	FailedAssignments  int
	LastRoundAt        time.Time
	AvgAssignLatency   time.Duration
	ExpertUtilization  map[string]float64
	latencySum         time.Duration
	latencySampleCount int
}

// Service is the per-tenant scheduler.
type Service struct {
	config  Config
	tasks   *taskstore.Service
	experts *registry.Service
	graph   *graph.Service

	intervalMux sync.Mutex
	interval    time.Duration

	metricsMux sync.Mutex
	metrics    Metrics

	shutdownCh chan struct{}
}

// New creates a scheduler; graph may be nil, disabling the ready filter.
func New(tasks *taskstore.Service, experts *registry.Service, dependencyGraph *graph.Service, config Config) *Service {
	if config.PollingInterval <= 0 {
		config.PollingInterval = DefaultConfig().PollingInterval
	}
	if config.MinInterval <= 0 {
		config.MinInterval = DefaultConfig().MinInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = DefaultConfig().MaxInterval
	}
	if config.DefaultWeights == (Weights{}) {
		config.DefaultWeights = DefaultConfig().DefaultWeights
	}
	return &Service{
		config:     config,
		tasks:      tasks,
		experts:    experts,
		graph:      dependencyGraph,
		interval:   config.PollingInterval,
		shutdownCh: make(chan struct{}),
	}
}

// Start begins the scheduling loop; it blocks until ctx is cancelled or
// Shutdown is called. Round errors are logged and the loop continues.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case <-ticker.C:
			if _, err := s.runRound(ctx); err != nil {
				log.Printf("scheduler: round failed: %v", err)
			}
			ticker.Reset(s.Interval())
		}
	}
}

// Shutdown stops the scheduling loop.
func (s *Service) Shutdown() {
	close(s.shutdownCh)
}

// ForceSchedulingRound runs one round synchronously and returns how many
// tasks were assigned.
func (s *Service) ForceSchedulingRound(ctx context.Context) (int, error) {
	return s.runRound(ctx)
}

// Interval returns the current polling interval.
func (s *Service) Interval() time.Duration {
	s.intervalMux.Lock()
	defer s.intervalMux.Unlock()
	return s.interval
}

// SetInterval adjusts the polling interval, clamped to the configured
// bounds. The running loop picks it up after the next round.
func (s *Service) SetInterval(interval time.Duration) {
	if interval < s.config.MinInterval {
		interval = s.config.MinInterval
	}
	if interval > s.config.MaxInterval {
		interval = s.config.MaxInterval
	}
	s.intervalMux.Lock()
	s.interval = interval
	s.intervalMux.Unlock()
}

// GetSchedulingMetrics returns a copy of the rolling counters plus a live
// per-expert utilization snapshot.
func (s *Service) GetSchedulingMetrics(ctx context.Context) (*Metrics, error) {
	utilization, err := s.experts.Utilization(ctx)
	if err != nil {
		return nil, err
	}
	s.metricsMux.Lock()
	defer s.metricsMux.Unlock()
	ret := s.metrics
	ret.ExpertUtilization = utilization
	return &ret, nil
}

func (s *Service) runRound(ctx context.Context) (assigned int, err error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.round", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	pending, err := s.tasks.GetTasksByStatus(ctx, model.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending tasks: %w", err)
	}
	if s.graph != nil && s.config.ReadyOnly {
		ready, err := s.graph.GetReadyTasks(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch ready tasks: %w", err)
		}
		isReady := make(map[string]bool, len(ready))
		for _, id := range ready {
			isReady[id] = true
		}
		filtered := pending[:0]
		for _, task := range pending {
			if isReady[task.ID] {
				filtered = append(filtered, task)
			}
		}
		pending = filtered
	}
	sortByUrgency(pending)

	now := clock.Now()
	for _, task := range pending {
		candidates, err := s.experts.ListExperts(ctx, task.Role)
		if err != nil {
			return assigned, fmt.Errorf("failed to list %s experts: %w", task.Role, err)
		}
		best, _ := s.selectExpert(task, candidates)
		if best == nil {
			s.recordFailure()
			continue
		}
		ok, err := s.tasks.AssignTask(ctx, task.ID, best.ID, "scheduler", 0)
		if err != nil {
			return assigned, err
		}
		if !ok {
			// lost the race to another loop
			s.recordFailure()
			continue
		}
		assigned++
		s.recordAssignment(now.Sub(task.CreatedAt))
	}
	if assigned > 0 && s.graph != nil {
		s.graph.InvalidateSnapshot()
	}
	s.finishRound()
	span.WithAttributes(map[string]string{"scheduler.assigned": fmt.Sprintf("%d", assigned)})
	return assigned, nil
}

// sortByUrgency orders tasks by priority desc, then created asc, then id for
// determinism.
func sortByUrgency(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() > tasks[j].Priority.Rank()
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func (s *Service) recordAssignment(latency time.Duration) {
	s.metricsMux.Lock()
	defer s.metricsMux.Unlock()
	s.metrics.Assigned++
	s.metrics.latencySum += latency
	s.metrics.latencySampleCount++
	s.metrics.AvgAssignLatency = s.metrics.latencySum / time.Duration(s.metrics.latencySampleCount)
}

func (s *Service) recordFailure() {
	s.metricsMux.Lock()
	defer s.metricsMux.Unlock()
	s.metrics.FailedAssignments++
}

func (s *Service) finishRound() {
	s.metricsMux.Lock()
	defer s.metricsMux.Unlock()
	s.metrics.Rounds++
	s.metrics.LastRoundAt = clock.Now()
}
