// Package supervisor runs the per-tenant health-check cycle. Each cycle it
// inspects workflows and tasks, raises advisory alerts, sweeps failed tasks
// back into rotation, dispatches bounded work in active modes, and in
// intelligent mode scales the expert pool and adapts the scheduler interval.
// A separate reconciliation loop resolves alerts whose condition has been
// corrected and garbage-collects old resolved ones.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/policy"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/dispatch"
	"github.com/taskmesh/taskmesh/service/graph"
	"github.com/taskmesh/taskmesh/service/registry"
	"github.com/taskmesh/taskmesh/service/scheduler"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/service/workflow"
)

// Config represents supervisor configuration.
type Config struct {
	// Interval is the health-check cycle period.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// ReconcileInterval is the alert reconciliation loop period.
	ReconcileInterval time.Duration `json:"reconcileInterval" yaml:"reconcileInterval"`

	// Mode selects how much the supervisor acts on what it sees.
	Mode policy.Mode `json:"mode" yaml:"mode"`

	// MaxConcurrentExecutions bounds supervisor-driven dispatch fan-out.
	MaxConcurrentExecutions int `json:"maxConcurrentExecutions" yaml:"maxConcurrentExecutions"`

	// TaskTimeout flags in-progress tasks running longer than this.
	TaskTimeout time.Duration `json:"taskTimeout" yaml:"taskTimeout"`

	// WaitingThreshold flags ready tasks pending longer than this.
	WaitingThreshold time.Duration `json:"waitingThreshold" yaml:"waitingThreshold"`

	// HighFailureRate is the failed/total node ratio that flags a workflow.
	HighFailureRate float64 `json:"highFailureRate" yaml:"highFailureRate"`

	// AlertRetention is how long resolved alerts are kept before GC.
	AlertRetention time.Duration `json:"alertRetention" yaml:"alertRetention"`

	// AvgTasksPerInstance sizes intelligent scaling from the pending backlog.
	AvgTasksPerInstance int `json:"avgTasksPerInstance" yaml:"avgTasksPerInstance"`
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:                15 * time.Second,
		ReconcileInterval:       30 * time.Second,
		Mode:                    policy.ModePassive,
		MaxConcurrentExecutions: 5,
		TaskTimeout:             30 * time.Minute,
		WaitingThreshold:        10 * time.Minute,
		HighFailureRate:         0.3,
		AlertRetention:          24 * time.Hour,
		AvgTasksPerInstance:     3,
	}
}

// Validate rejects nonsensical settings.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("supervisor interval must be positive")
	}
	if c.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("maxConcurrentExecutions must be positive")
	}
	if c.HighFailureRate <= 0 || c.HighFailureRate > 1 {
		return fmt.Errorf("highFailureRate must be in (0, 1]")
	}
	if c.AvgTasksPerInstance <= 0 {
		return fmt.Errorf("avgTasksPerInstance must be positive")
	}
	return nil
}

// Dashboard is a point-in-time monitoring summary.
type Dashboard struct {
	TaskCounts        map[model.Status]int
	OpenAlerts        []*model.Alert
	Workflows         []*model.Workflow
	Scheduler         *scheduler.Metrics
	ExpertUtilization map[string]float64
	InFlight          int
	Mode              policy.Mode
}

// Service is the per-tenant supervisor.
type Service struct {
	tenantID  string
	tasks     *taskstore.Service
	experts   *registry.Service
	graph     *graph.Service
	scheduler *scheduler.Service
	workflows *workflow.Service
	dispatch  *dispatch.Service
	alerts    dao.Service[dao.Key, model.Alert]

	configMux sync.RWMutex
	config    Config

	shutdownCh chan struct{}
}

// New creates a supervisor.
func New(tenantID string, tasks *taskstore.Service, experts *registry.Service, dependencyGraph *graph.Service, sched *scheduler.Service, workflows *workflow.Service, pool *dispatch.Service, alerts dao.Service[dao.Key, model.Alert], config Config) (*Service, error) {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.Mode == "" {
		config.Mode = defaults.Mode
	}
	if config.MaxConcurrentExecutions <= 0 {
		config.MaxConcurrentExecutions = defaults.MaxConcurrentExecutions
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.WaitingThreshold <= 0 {
		config.WaitingThreshold = defaults.WaitingThreshold
	}
	if config.HighFailureRate <= 0 {
		config.HighFailureRate = defaults.HighFailureRate
	}
	if config.AlertRetention <= 0 {
		config.AlertRetention = defaults.AlertRetention
	}
	if config.AvgTasksPerInstance <= 0 {
		config.AvgTasksPerInstance = defaults.AvgTasksPerInstance
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		tenantID:   tenantID,
		tasks:      tasks,
		experts:    experts,
		graph:      dependencyGraph,
		scheduler:  sched,
		workflows:  workflows,
		dispatch:   pool,
		alerts:     alerts,
		config:     config,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Configuration returns the current configuration.
func (s *Service) Configuration() Config {
	s.configMux.RLock()
	defer s.configMux.RUnlock()
	return s.config
}

// UpdateConfiguration replaces the configuration; the running loops pick it
// up on their next iteration.
func (s *Service) UpdateConfiguration(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	s.configMux.Lock()
	s.config = config
	s.configMux.Unlock()
	return nil
}

// StartMonitoring runs the health-check cycle; it blocks until ctx is
// cancelled or StopMonitoring is called. Cycle errors are logged and the
// loop continues.
func (s *Service) StartMonitoring(ctx context.Context) error {
	ticker := time.NewTicker(s.Configuration().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				log.Printf("supervisor: cycle failed: %v", err)
			}
			ticker.Reset(s.Configuration().Interval)
		}
	}
}

// StartReconciliation runs the alert reconciliation loop; it blocks until
// ctx is cancelled or StopMonitoring is called.
func (s *Service) StartReconciliation(ctx context.Context) error {
	ticker := time.NewTicker(s.Configuration().ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case <-ticker.C:
			if err := s.ReconcileAlerts(ctx); err != nil {
				log.Printf("supervisor: alert reconciliation failed: %v", err)
			}
			ticker.Reset(s.Configuration().ReconcileInterval)
		}
	}
}

// StopMonitoring stops both loops.
func (s *Service) StopMonitoring() {
	close(s.shutdownCh)
}

// GetMonitoringDashboard assembles the monitoring summary.
func (s *Service) GetMonitoringDashboard(ctx context.Context) (*Dashboard, error) {
	dashboard := &Dashboard{
		TaskCounts: map[model.Status]int{},
		Mode:       s.Configuration().Mode,
		InFlight:   s.dispatch.InFlight(),
	}
	tasks, err := s.tasks.GetTasksByStatus(ctx,
		model.StatusPending, model.StatusAssigned, model.StatusInProgress,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		dashboard.TaskCounts[task.Status]++
	}
	if dashboard.OpenAlerts, err = s.OpenAlerts(ctx); err != nil {
		return nil, err
	}
	if dashboard.Workflows, err = s.workflows.ListWorkflows(ctx); err != nil {
		return nil, err
	}
	if dashboard.Scheduler, err = s.scheduler.GetSchedulingMetrics(ctx); err != nil {
		return nil, err
	}
	dashboard.ExpertUtilization = dashboard.Scheduler.ExpertUtilization
	return dashboard, nil
}
