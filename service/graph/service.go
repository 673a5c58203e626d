// Package graph maintains the directed dependency graph over task ids:
// insertion-guarded acyclicity of blocking edges, readiness evaluation
// against a TTL-cached status snapshot, topological ordering and critical
// path analysis. All queries are read-only; only AddDependency can fail.
package graph

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
	"github.com/taskmesh/taskmesh/service/taskstore"
)

var (
	// ErrCyclicDependency is returned when an inserted blocking edge would
	// close a cycle; the edge is rolled back.
	ErrCyclicDependency = errors.New("graph: cyclic dependency")

	// ErrUnknownTask is returned when an edge references a task that was
	// never added to the graph.
	ErrUnknownTask = errors.New("graph: unknown task")
)

// Config represents graph configuration.
type Config struct {
	// SnapshotTTL bounds how stale the cached status snapshot may get.
	SnapshotTTL time.Duration `json:"snapshotTTL" yaml:"snapshotTTL"`
}

// DefaultConfig returns the default graph configuration.
func DefaultConfig() Config {
	return Config{SnapshotTTL: time.Minute}
}

// EdgeSpec describes a dependency to insert: Target becomes eligible once
// Source satisfies Cond.
type EdgeSpec struct {
	SourceID     string
	TargetID     string
	Cond         model.Condition
	DelayMinutes int
	PredicateID  string
	Params       map[string]string
	Blocking     bool
	Weight       float64
}

// TaskState is a single entry of a status snapshot.
type TaskState struct {
	Status      model.Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Snapshot is a point-in-time copy of task statuses.
type Snapshot struct {
	TakenAt time.Time
	Tasks   map[string]TaskState
}

// Predicate evaluates a custom dependency condition.
type Predicate func(edge *model.Edge, snapshot *Snapshot) bool

// Readiness is the result of CheckTaskReady.
type Readiness struct {
	Ready      bool
	Reasons    []string
	UnmetEdges []*model.Edge
}

// Service is the dependency graph of a single tenant.
type Service struct {
	tenantID string
	config   Config
	tasks    *taskstore.Service
	edges    dao.Service[dao.Key, model.Edge]

	mux        sync.RWMutex
	known      map[string]bool
	outgoing   map[string][]*model.Edge
	incoming   map[string][]*model.Edge
	predicates map[string]Predicate

	snapMux  sync.Mutex
	snapshot *Snapshot
}

// New creates a dependency graph backed by the supplied edge store and
// reading status snapshots from the task store.
func New(tenantID string, edges dao.Service[dao.Key, model.Edge], tasks *taskstore.Service, config Config) *Service {
	if config.SnapshotTTL <= 0 {
		config.SnapshotTTL = DefaultConfig().SnapshotTTL
	}
	return &Service{
		tenantID:   tenantID,
		config:     config,
		tasks:      tasks,
		edges:      edges,
		known:      map[string]bool{},
		outgoing:   map[string][]*model.Edge{},
		incoming:   map[string][]*model.Edge{},
		predicates: map[string]Predicate{},
	}
}

// AddTask registers a task id as a graph node.
func (s *Service) AddTask(task *model.Task) {
	if task == nil || task.ID == "" {
		return
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	s.known[task.ID] = true
}

// RegisterPredicate installs a named predicate for custom conditions. Edges
// referencing an unregistered predicate are never satisfied.
func (s *Service) RegisterPredicate(id string, predicate Predicate) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.predicates[id] = predicate
}

// AddDependency inserts an edge and re-checks acyclicity of the blocking
// subgraph; on a cycle the edge is rolled back and ErrCyclicDependency
// returned. It is the only graph operation that can fail.
func (s *Service) AddDependency(ctx context.Context, spec *EdgeSpec) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("edge spec is required")
	}
	if spec.SourceID == spec.TargetID {
		return "", fmt.Errorf("edge %s -> %s is a self-dependency", spec.SourceID, spec.TargetID)
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if !s.known[spec.SourceID] {
		return "", fmt.Errorf("source %s: %w", spec.SourceID, ErrUnknownTask)
	}
	if !s.known[spec.TargetID] {
		return "", fmt.Errorf("target %s: %w", spec.TargetID, ErrUnknownTask)
	}
	weight := spec.Weight
	if weight <= 0 {
		weight = 1
	}
	cond := spec.Cond
	if cond == "" {
		cond = model.ConditionTaskCompleted
	}
	edge := &model.Edge{
		ID:           idgen.New(),
		TenantID:     s.tenantID,
		SourceID:     spec.SourceID,
		TargetID:     spec.TargetID,
		Cond:         cond,
		DelayMinutes: spec.DelayMinutes,
		PredicateID:  spec.PredicateID,
		Params:       spec.Params,
		Blocking:     spec.Blocking,
		Weight:       weight,
		CreatedAt:    clock.Now(),
	}
	s.link(edge)
	if edge.Blocking && s.hasCycle() {
		s.unlink(edge)
		return "", fmt.Errorf("edge %s -> %s: %w", edge.SourceID, edge.TargetID, ErrCyclicDependency)
	}
	if err := s.edges.Save(ctx, edge); err != nil {
		s.unlink(edge)
		return "", err
	}
	return edge.ID, nil
}

// RemoveDependency deletes an edge by id.
func (s *Service) RemoveDependency(ctx context.Context, edgeID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	edge := s.findEdge(edgeID)
	if edge == nil {
		return dao.ErrNotFound
	}
	if err := s.edges.Delete(ctx, dao.NewKey(s.tenantID, edgeID)); err != nil {
		return err
	}
	s.unlink(edge)
	return nil
}

// Dependencies returns the incoming edges of a task.
func (s *Service) Dependencies(taskID string) []*model.Edge {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return cloneEdges(s.incoming[taskID])
}

// Dependents returns the outgoing edges of a task.
func (s *Service) Dependents(taskID string) []*model.Edge {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return cloneEdges(s.outgoing[taskID])
}

// IsSatisfied evaluates one edge against the supplied snapshot.
func (s *Service) IsSatisfied(edge *model.Edge, snapshot *Snapshot, now time.Time) bool {
	if edge == nil || snapshot == nil {
		return false
	}
	state, ok := snapshot.Tasks[edge.SourceID]
	if !ok {
		return false
	}
	switch edge.Cond {
	case model.ConditionTaskCompleted:
		return state.Status == model.StatusCompleted
	case model.ConditionTaskStarted:
		return state.Status == model.StatusInProgress || state.Status == model.StatusCompleted
	case model.ConditionTaskFailed:
		return state.Status == model.StatusFailed
	case model.ConditionTimeDelay:
		if state.Status != model.StatusCompleted || state.CompletedAt == nil {
			return false
		}
		delay := time.Duration(edge.DelayMinutes) * time.Minute
		return !now.Before(state.CompletedAt.Add(delay))
	case model.ConditionCustom:
		s.mux.RLock()
		predicate := s.predicates[edge.PredicateID]
		s.mux.RUnlock()
		if predicate == nil {
			return false
		}
		return predicate(edge, snapshot)
	}
	return false
}

// CheckTaskReady reports whether a task is pending with all blocking
// dependencies satisfied, with reasons and unmet edges otherwise.
func (s *Service) CheckTaskReady(ctx context.Context, taskID string) (*Readiness, error) {
	snapshot, err := s.StatusSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.checkReady(taskID, snapshot), nil
}

// GetReadyTasks returns the ids of all pending tasks whose blocking
// dependencies are satisfied, sorted for deterministic iteration. Membership
// is derived from the status snapshot, not from registered nodes, so the
// result agrees with CheckTaskReady for tasks that carry no edges.
func (s *Service) GetReadyTasks(ctx context.Context) ([]string, error) {
	snapshot, err := s.StatusSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(snapshot.Tasks))
	for id := range snapshot.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var ready []string
	for _, id := range ids {
		if s.checkReady(id, snapshot).Ready {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

func (s *Service) checkReady(taskID string, snapshot *Snapshot) *Readiness {
	ret := &Readiness{}
	state, ok := snapshot.Tasks[taskID]
	if !ok {
		ret.Reasons = append(ret.Reasons, fmt.Sprintf("task %s not present in snapshot", taskID))
		return ret
	}
	if state.Status != model.StatusPending {
		ret.Reasons = append(ret.Reasons, fmt.Sprintf("task %s is %s, not pending", taskID, state.Status))
		return ret
	}
	now := clock.Now()

	s.mux.RLock()
	incoming := cloneEdges(s.incoming[taskID])
	s.mux.RUnlock()

	for _, edge := range incoming {
		if !edge.Blocking {
			continue
		}
		if !s.IsSatisfied(edge, snapshot, now) {
			ret.Reasons = append(ret.Reasons, fmt.Sprintf("dependency on %s (%s) not satisfied", edge.SourceID, edge.Cond))
			ret.UnmetEdges = append(ret.UnmetEdges, edge)
		}
	}
	ret.Ready = len(ret.UnmetEdges) == 0
	return ret
}

// StatusSnapshot returns the cached status snapshot, refreshing it from the
// task store once older than the configured TTL.
func (s *Service) StatusSnapshot(ctx context.Context) (*Snapshot, error) {
	s.snapMux.Lock()
	defer s.snapMux.Unlock()

	now := clock.Now()
	if s.snapshot != nil && now.Sub(s.snapshot.TakenAt) < s.config.SnapshotTTL {
		return s.snapshot, nil
	}
	tasks, err := s.tasks.GetTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{TakenAt: now, Tasks: make(map[string]TaskState, len(tasks))}
	for _, task := range tasks {
		state := TaskState{Status: task.Status, CreatedAt: task.CreatedAt}
		if task.Assignment != nil {
			state.StartedAt = task.Assignment.StartedAt
			state.CompletedAt = task.Assignment.CompletedAt
		}
		snapshot.Tasks[task.ID] = state
	}
	s.snapshot = snapshot
	return snapshot, nil
}

// InvalidateSnapshot drops the cached snapshot; callers invoke it after any
// write they know changed task status.
func (s *Service) InvalidateSnapshot() {
	s.snapMux.Lock()
	defer s.snapMux.Unlock()
	s.snapshot = nil
}

// hasCycle runs DFS with a recursion stack over blocking edges. Callers hold
// s.mux.
func (s *Service) hasCycle() bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colors := make(map[string]int, len(s.known))
	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = grey
		for _, edge := range s.outgoing[id] {
			if !edge.Blocking {
				continue
			}
			switch colors[edge.TargetID] {
			case grey:
				return true
			case white:
				if visit(edge.TargetID) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}
	for id := range s.known {
		if colors[id] == white && visit(id) {
			return true
		}
	}
	return false
}

func (s *Service) link(edge *model.Edge) {
	s.outgoing[edge.SourceID] = append(s.outgoing[edge.SourceID], edge)
	s.incoming[edge.TargetID] = append(s.incoming[edge.TargetID], edge)
}

func (s *Service) unlink(edge *model.Edge) {
	s.outgoing[edge.SourceID] = removeEdge(s.outgoing[edge.SourceID], edge.ID)
	s.incoming[edge.TargetID] = removeEdge(s.incoming[edge.TargetID], edge.ID)
}

func (s *Service) findEdge(edgeID string) *model.Edge {
	for _, edges := range s.outgoing {
		for _, edge := range edges {
			if edge.ID == edgeID {
				return edge
			}
		}
	}
	return nil
}

func removeEdge(edges []*model.Edge, edgeID string) []*model.Edge {
	for i, edge := range edges {
		if edge.ID == edgeID {
			return append(edges[:i], edges[i+1:]...)
		}
	}
	return edges
}

func cloneEdges(edges []*model.Edge) []*model.Edge {
	out := make([]*model.Edge, len(edges))
	for i, edge := range edges {
		out[i] = edge.Clone()
	}
	return out
}
