// Package workflow manages named DAGs of task nodes. Each node is backed by
// a task in the task store and by edges in the dependency graph; the engine
// loop refreshes node states from tasks, retries failed nodes within their
// budget, hands assigned nodes to the dispatch pool and settles the workflow
// once every node reaches a terminal state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/clock"
	"github.com/taskmesh/taskmesh/internal/idgen"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/dispatch"
	"github.com/taskmesh/taskmesh/service/graph"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/tracing"
)

var (
	// ErrInvalidState rejects a lifecycle call against a workflow whose
	// current status does not permit it.
	ErrInvalidState = errors.New("workflow is not in a valid state for this operation")
	// ErrDuplicateNode rejects a second node with the same name.
	ErrDuplicateNode = errors.New("node name already used in workflow")
	// ErrUnknownNode rejects a dependency on a node name that does not exist.
	ErrUnknownNode = errors.New("unknown node")
)

// NodeSpec describes a node to add to a workflow.
type NodeSpec struct {
	Name           string
	Role           model.Role
	Description    string
	Goal           string
	Priority       model.Priority
	DependsOn      []string
	MaxRetries     int
	ParallelGroup  string
	Estimated      time.Duration
	RequiredSkills []string
}

// Config represents workflow engine configuration.
type Config struct {
	// PollingInterval is how often the engine refreshes running workflows.
	PollingInterval time.Duration `json:"pollingInterval" yaml:"pollingInterval"`

	// DefaultMaxRetries is the node retry budget when a spec leaves it unset.
	DefaultMaxRetries int `json:"defaultMaxRetries" yaml:"defaultMaxRetries"`

	// DefaultEstimate is the node duration estimate when a spec leaves it
	// unset.
	DefaultEstimate time.Duration `json:"defaultEstimate" yaml:"defaultEstimate"`
}

// DefaultConfig returns the default workflow engine configuration.
func DefaultConfig() Config {
	return Config{
		PollingInterval:   10 * time.Second,
		DefaultMaxRetries: 3,
		DefaultEstimate:   60 * time.Minute,
	}
}

// Status is a point-in-time workflow summary.
type Status struct {
	ID                string
	Name              string
	State             model.WorkflowStatus
	Completion        float64
	RemainingEstimate time.Duration
	Nodes             []*model.Node
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// Service is the per-tenant workflow engine.
type Service struct {
	tenantID  string
	config    Config
	workflows dao.Service[dao.Key, model.Workflow]
	tasks     *taskstore.Service
	graph     *graph.Service
	dispatch  *dispatch.Service

	// mux serialises load-modify-save cycles across API calls and the engine
	// loop.
	mux        sync.Mutex
	shutdownCh chan struct{}
}

// New creates a workflow engine.
func New(tenantID string, workflows dao.Service[dao.Key, model.Workflow], tasks *taskstore.Service, dependencyGraph *graph.Service, pool *dispatch.Service, config Config) *Service {
	if config.PollingInterval <= 0 {
		config.PollingInterval = DefaultConfig().PollingInterval
	}
	if config.DefaultMaxRetries <= 0 {
		config.DefaultMaxRetries = DefaultConfig().DefaultMaxRetries
	}
	if config.DefaultEstimate <= 0 {
		config.DefaultEstimate = DefaultConfig().DefaultEstimate
	}
	return &Service{
		tenantID:   tenantID,
		config:     config,
		workflows:  workflows,
		tasks:      tasks,
		graph:      dependencyGraph,
		dispatch:   pool,
		shutdownCh: make(chan struct{}),
	}
}

// CreateWorkflow creates a workflow together with its backing tasks and
// dependency edges. Node names must be unique and dependencies must refer to
// nodes of the same workflow.
func (s *Service) CreateWorkflow(ctx context.Context, name string, specs []*NodeSpec) (workflow *model.Workflow, err error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.create", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	if name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("workflow %q needs at least one node", name)
	}
	byName := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("node name is required")
		}
		if byName[spec.Name] {
			return nil, fmt.Errorf("node %q: %w", spec.Name, ErrDuplicateNode)
		}
		byName[spec.Name] = true
	}
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if !byName[dep] {
				return nil, fmt.Errorf("node %q depends on %q: %w", spec.Name, dep, ErrUnknownNode)
			}
		}
	}

	workflow = &model.Workflow{
		ID:        idgen.New(),
		TenantID:  s.tenantID,
		Name:      name,
		Status:    model.WorkflowCreated,
		CreatedAt: clock.Now(),
	}
	span.WithAttributes(map[string]string{"workflow.id": workflow.ID, "workflow.name": name})

	for _, spec := range specs {
		node, err := s.materializeNode(ctx, workflow, spec)
		if err != nil {
			return nil, err
		}
		workflow.Nodes = append(workflow.Nodes, node)
	}
	if err = s.linkNodes(ctx, workflow, specs); err != nil {
		return nil, err
	}
	if err = s.workflows.Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	return workflow, nil
}

// AddNodeToWorkflow appends a node to a workflow that has not finished yet.
func (s *Service) AddNodeToWorkflow(ctx context.Context, workflowID string, spec *NodeSpec) (*model.Node, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	workflow, err := s.workflows.Load(ctx, dao.NewKey(s.tenantID, workflowID))
	if err != nil {
		return nil, err
	}
	if workflow.Status.IsTerminal() {
		return nil, fmt.Errorf("workflow %s is %s: %w", workflowID, workflow.Status, ErrInvalidState)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("node name is required")
	}
	if workflow.NodeByName(spec.Name) != nil {
		return nil, fmt.Errorf("node %q: %w", spec.Name, ErrDuplicateNode)
	}
	for _, dep := range spec.DependsOn {
		if workflow.NodeByName(dep) == nil {
			return nil, fmt.Errorf("node %q depends on %q: %w", spec.Name, dep, ErrUnknownNode)
		}
	}

	node, err := s.materializeNode(ctx, workflow, spec)
	if err != nil {
		return nil, err
	}
	workflow.Nodes = append(workflow.Nodes, node)
	if err := s.linkNode(ctx, workflow, node, spec); err != nil {
		return nil, err
	}
	if err := s.workflows.Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	s.graph.InvalidateSnapshot()
	return node, nil
}

// materializeNode creates the backing task and registers it with the graph.
func (s *Service) materializeNode(ctx context.Context, workflow *model.Workflow, spec *NodeSpec) (*model.Node, error) {
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.config.DefaultMaxRetries
	}
	estimated := spec.Estimated
	if estimated <= 0 {
		estimated = s.config.DefaultEstimate
	}
	task, err := s.tasks.CreateTask(ctx, &taskstore.TaskSpec{
		Title:       spec.Name,
		Description: spec.Description,
		Goal:        spec.Goal,
		Priority:    spec.Priority,
		Role:        spec.Role,
		MaxRetries:  maxRetries,
		Metadata: model.Metadata{
			RequiredSkills: spec.RequiredSkills,
			WorkflowID:     workflow.ID,
			TriggerType:    "workflow",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task for node %q: %w", spec.Name, err)
	}
	s.graph.AddTask(task)
	return &model.Node{
		TaskID:        task.ID,
		Name:          spec.Name,
		Role:          task.Role,
		DependsOn:     append([]string(nil), spec.DependsOn...),
		MaxRetries:    maxRetries,
		ParallelGroup: spec.ParallelGroup,
		Estimated:     estimated,
		Status:        task.Status,
	}, nil
}

// linkNodes creates dependency edges for freshly materialised nodes.
func (s *Service) linkNodes(ctx context.Context, workflow *model.Workflow, specs []*NodeSpec) error {
	for i, spec := range specs {
		if err := s.linkNode(ctx, workflow, workflow.Nodes[i], spec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) linkNode(ctx context.Context, workflow *model.Workflow, node *model.Node, spec *NodeSpec) error {
	for _, dep := range spec.DependsOn {
		upstream := workflow.NodeByName(dep)
		if _, err := s.graph.AddDependency(ctx, &graph.EdgeSpec{
			SourceID: upstream.TaskID,
			TargetID: node.TaskID,
			Cond:     model.ConditionTaskCompleted,
			Blocking: true,
			Weight:   upstream.Estimated.Minutes(),
		}); err != nil {
			return fmt.Errorf("failed to link node %q to %q: %w", node.Name, dep, err)
		}
	}
	return nil
}

// StartWorkflow moves a created workflow into the running state.
func (s *Service) StartWorkflow(ctx context.Context, workflowID string) error {
	return s.transition(ctx, workflowID, model.WorkflowCreated, model.WorkflowRunning, func(w *model.Workflow) {
		now := clock.Now()
		w.StartedAt = &now
	})
}

// PauseWorkflow suspends a running workflow; its nodes stop being dispatched
// until resumed. In-flight executions are not interrupted.
func (s *Service) PauseWorkflow(ctx context.Context, workflowID string) error {
	return s.transition(ctx, workflowID, model.WorkflowRunning, model.WorkflowPaused, nil)
}

// ResumeWorkflow moves a paused workflow back to running.
func (s *Service) ResumeWorkflow(ctx context.Context, workflowID string) error {
	return s.transition(ctx, workflowID, model.WorkflowPaused, model.WorkflowRunning, nil)
}

func (s *Service) transition(ctx context.Context, workflowID string, from, to model.WorkflowStatus, mutate func(*model.Workflow)) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	workflow, err := s.workflows.Load(ctx, dao.NewKey(s.tenantID, workflowID))
	if err != nil {
		return err
	}
	if workflow.Status != from {
		return fmt.Errorf("workflow %s is %s, expected %s: %w", workflowID, workflow.Status, from, ErrInvalidState)
	}
	workflow.Status = to
	if mutate != nil {
		mutate(workflow)
	}
	return s.workflows.Save(ctx, workflow)
}

// CancelWorkflow cancels a workflow and every node task that has not reached
// a terminal state.
func (s *Service) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	workflow, err := s.workflows.Load(ctx, dao.NewKey(s.tenantID, workflowID))
	if err != nil {
		return err
	}
	if workflow.Status.IsTerminal() {
		return fmt.Errorf("workflow %s is %s: %w", workflowID, workflow.Status, ErrInvalidState)
	}
	for _, node := range workflow.Nodes {
		if _, err := s.tasks.CancelTask(ctx, node.TaskID, reason); err != nil {
			return fmt.Errorf("failed to cancel node %q: %w", node.Name, err)
		}
	}
	now := clock.Now()
	workflow.Status = model.WorkflowCancelled
	workflow.CompletedAt = &now
	if err := s.refreshNodes(ctx, workflow); err != nil {
		return err
	}
	if err := s.workflows.Save(ctx, workflow); err != nil {
		return err
	}
	s.graph.InvalidateSnapshot()
	return nil
}

// GetWorkflow returns the workflow by id.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	return s.workflows.Load(ctx, dao.NewKey(s.tenantID, workflowID))
}

// GetWorkflowStatus returns the workflow summary with fresh node states.
func (s *Service) GetWorkflowStatus(ctx context.Context, workflowID string) (*Status, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	workflow, err := s.workflows.Load(ctx, dao.NewKey(s.tenantID, workflowID))
	if err != nil {
		return nil, err
	}
	if err := s.refreshNodes(ctx, workflow); err != nil {
		return nil, err
	}
	return &Status{
		ID:                workflow.ID,
		Name:              workflow.Name,
		State:             workflow.Status,
		Completion:        workflow.CompletionPercentage(),
		RemainingEstimate: workflow.RemainingEstimate(),
		Nodes:             workflow.Clone().Nodes,
		StartedAt:         workflow.StartedAt,
		CompletedAt:       workflow.CompletedAt,
	}, nil
}

// ListWorkflows returns the tenant's workflows ordered by creation time.
func (s *Service) ListWorkflows(ctx context.Context, statuses ...model.WorkflowStatus) ([]*model.Workflow, error) {
	workflows, err := s.workflows.List(ctx, dao.NewParameter(dao.ParamTenantID, s.tenantID))
	if err != nil {
		return nil, err
	}
	if len(statuses) > 0 {
		wanted := make(map[model.WorkflowStatus]bool, len(statuses))
		for _, status := range statuses {
			wanted[status] = true
		}
		filtered := workflows[:0]
		for _, workflow := range workflows {
			if wanted[workflow.Status] {
				filtered = append(filtered, workflow)
			}
		}
		workflows = filtered
	}
	sort.Slice(workflows, func(i, j int) bool {
		if !workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
		}
		return workflows[i].ID < workflows[j].ID
	})
	return workflows, nil
}

// refreshNodes mirrors each node's backing task status onto the node.
func (s *Service) refreshNodes(ctx context.Context, workflow *model.Workflow) error {
	for _, node := range workflow.Nodes {
		task, err := s.tasks.GetTask(ctx, node.TaskID)
		if err != nil {
			return fmt.Errorf("failed to load task for node %q: %w", node.Name, err)
		}
		node.Status = task.Status
	}
	return nil
}
