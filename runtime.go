package taskmesh

import (
	"context"

	"github.com/taskmesh/taskmesh/service/dispatch"
	"github.com/taskmesh/taskmesh/service/graph"
	"github.com/taskmesh/taskmesh/service/registry"
	"github.com/taskmesh/taskmesh/service/scheduler"
	"github.com/taskmesh/taskmesh/service/supervisor"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/service/workflow"
)

// Runtime wires one tenant's components together.
type Runtime struct {
	tenantID   string
	tasks      *taskstore.Service
	experts    *registry.Service
	graph      *graph.Service
	scheduler  *scheduler.Service
	dispatch   *dispatch.Service
	workflows  *workflow.Service
	supervisor *supervisor.Service
}

// TenantID returns the tenant this runtime serves.
func (r *Runtime) TenantID() string { return r.tenantID }

// Tasks returns the tenant task store.
func (r *Runtime) Tasks() *taskstore.Service { return r.tasks }

// Experts returns the tenant expert registry.
func (r *Runtime) Experts() *registry.Service { return r.experts }

// Graph returns the tenant dependency graph.
func (r *Runtime) Graph() *graph.Service { return r.graph }

// Scheduler returns the tenant scheduler.
func (r *Runtime) Scheduler() *scheduler.Service { return r.scheduler }

// Dispatch returns the tenant dispatch pool.
func (r *Runtime) Dispatch() *dispatch.Service { return r.dispatch }

// Workflows returns the tenant workflow engine.
func (r *Runtime) Workflows() *workflow.Service { return r.workflows }

// Supervisor returns the tenant supervisor.
func (r *Runtime) Supervisor() *supervisor.Service { return r.supervisor }

// Start launches the tenant's background loops: the dispatch workers, the
// scheduling loop, the workflow engine and both supervisor loops.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.dispatch.Start(ctx); err != nil {
		return err
	}
	go r.scheduler.Start(ctx)
	go r.workflows.Start(ctx)
	go r.supervisor.StartMonitoring(ctx)
	go r.supervisor.StartReconciliation(ctx)
	return nil
}

// Shutdown stops the loops and waits for in-flight dispatch work.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.scheduler.Shutdown()
	r.workflows.Shutdown()
	r.supervisor.StopMonitoring()
	r.dispatch.Shutdown()
	return nil
}
