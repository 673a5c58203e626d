// Package taskmesh assembles the task orchestration engine: a multi-tenant
// task store with capacity-bounded experts, a dependency graph, a scoring
// scheduler, a DAG workflow engine and a supervising health loop. The root
// Service owns shared storage and collaborators; per-tenant Runtimes wire
// the components together.
package taskmesh

import (
	"sync"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/dao/memory"
	"github.com/taskmesh/taskmesh/service/dispatch"
	"github.com/taskmesh/taskmesh/service/executor"
	"github.com/taskmesh/taskmesh/service/graph"
	"github.com/taskmesh/taskmesh/service/messaging"
	qmemory "github.com/taskmesh/taskmesh/service/messaging/memory"
	"github.com/taskmesh/taskmesh/service/notify"
	"github.com/taskmesh/taskmesh/service/registry"
	"github.com/taskmesh/taskmesh/service/scheduler"
	"github.com/taskmesh/taskmesh/service/supervisor"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/service/workflow"
)

// Service owns the engine-wide collaborators. Storage is shared across
// tenants (entities are keyed by tenant); loops and queues are per tenant.
type Service struct {
	config *Config

	taskDAO     dao.Service[dao.Key, model.Task]
	expertDAO   dao.Service[dao.Key, model.Expert]
	edgeDAO     dao.Service[dao.Key, model.Edge]
	workflowDAO dao.Service[dao.Key, model.Workflow]
	alertDAO    dao.Service[dao.Key, model.Alert]

	notifier notify.Service
	executor executor.Service
	newQueue func() messaging.Queue[dispatch.Request]

	mux      sync.Mutex
	runtimes map[string]*Runtime
}

// New creates the engine service.
func New(options ...Option) *Service {
	ret := &Service{runtimes: map[string]*Runtime{}}
	ret.init(options)
	return ret
}

func (s *Service) init(options []Option) {
	for _, option := range options {
		option(s)
	}
	s.ensureBaseSetup()
}

func (s *Service) ensureBaseSetup() {
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.taskDAO == nil {
		s.taskDAO = memory.New[model.Task](
			func(t *model.Task) dao.Key { return dao.NewKey(t.TenantID, t.ID) },
			func(t *model.Task) *model.Task { return t.Clone() },
			memory.WithField[model.Task](dao.ParamStatus, func(t *model.Task) string { return string(t.Status) }),
		)
	}
	if s.expertDAO == nil {
		s.expertDAO = memory.New[model.Expert](
			func(e *model.Expert) dao.Key { return dao.NewKey(e.TenantID, e.ID) },
			func(e *model.Expert) *model.Expert { return e.Clone() },
			memory.WithField[model.Expert](dao.ParamRole, func(e *model.Expert) string { return string(e.Role) }),
		)
	}
	if s.edgeDAO == nil {
		s.edgeDAO = memory.New[model.Edge](
			func(e *model.Edge) dao.Key { return dao.NewKey(e.TenantID, e.ID) },
			func(e *model.Edge) *model.Edge { return e.Clone() },
			memory.WithField[model.Edge](dao.ParamSourceID, func(e *model.Edge) string { return e.SourceID }),
			memory.WithField[model.Edge](dao.ParamTargetID, func(e *model.Edge) string { return e.TargetID }),
		)
	}
	if s.workflowDAO == nil {
		s.workflowDAO = memory.New[model.Workflow](
			func(w *model.Workflow) dao.Key { return dao.NewKey(w.TenantID, w.ID) },
			func(w *model.Workflow) *model.Workflow { return w.Clone() },
		)
	}
	if s.alertDAO == nil {
		s.alertDAO = memory.New[model.Alert](
			func(a *model.Alert) dao.Key { return dao.NewKey(a.TenantID, a.ID) },
			func(a *model.Alert) *model.Alert { return a.Clone() },
			memory.WithField[model.Alert](dao.ParamResolved, func(a *model.Alert) string {
				if a.Resolved {
					return "true"
				}
				return "false"
			}),
		)
	}
	if s.notifier == nil {
		s.notifier = notify.NewNop()
	}
	if s.executor == nil {
		s.executor = executor.NewNop()
	}
	if s.newQueue == nil {
		s.newQueue = func() messaging.Queue[dispatch.Request] {
			return qmemory.NewQueue[dispatch.Request](qmemory.DefaultConfig())
		}
	}
}

// Config returns the engine configuration.
func (s *Service) Config() *Config {
	return s.config
}

// Runtime returns the per-tenant runtime, building it on first use.
func (s *Service) Runtime(tenantID string) (*Runtime, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if runtime, ok := s.runtimes[tenantID]; ok {
		return runtime, nil
	}
	experts := registry.New(tenantID, s.expertDAO, s.config.Registry)
	tasks := taskstore.New(tenantID, s.taskDAO, experts, s.notifier)
	dependencyGraph := graph.New(tenantID, s.edgeDAO, tasks, s.config.Graph)
	sched := scheduler.New(tasks, experts, dependencyGraph, s.config.Scheduler)
	pool, err := dispatch.New(tasks, s.newQueue(), s.executor, dependencyGraph, s.config.Dispatch)
	if err != nil {
		return nil, err
	}
	workflows := workflow.New(tenantID, s.workflowDAO, tasks, dependencyGraph, pool, s.config.Workflow)
	sup, err := supervisor.New(tenantID, tasks, experts, dependencyGraph, sched, workflows, pool, s.alertDAO, s.config.Supervisor)
	if err != nil {
		return nil, err
	}
	runtime := &Runtime{
		tenantID:   tenantID,
		tasks:      tasks,
		experts:    experts,
		graph:      dependencyGraph,
		scheduler:  sched,
		dispatch:   pool,
		workflows:  workflows,
		supervisor: sup,
	}
	s.runtimes[tenantID] = runtime
	return runtime, nil
}
