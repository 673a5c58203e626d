package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/dao/memory"
	"github.com/taskmesh/taskmesh/service/dispatch"
	"github.com/taskmesh/taskmesh/service/executor"
	"github.com/taskmesh/taskmesh/service/graph"
	qmemory "github.com/taskmesh/taskmesh/service/messaging/memory"
	"github.com/taskmesh/taskmesh/service/notify"
	"github.com/taskmesh/taskmesh/service/registry"
	"github.com/taskmesh/taskmesh/service/taskstore"
)

type fixture struct {
	engine  *Service
	store   *taskstore.Service
	experts *registry.Service
	graph   *graph.Service
	queue   *qmemory.Queue[dispatch.Request]
}

func newFixture(t *testing.T) *fixture {
	taskDAO := memory.New[model.Task](
		func(task *model.Task) dao.Key { return dao.NewKey(task.TenantID, task.ID) },
		func(task *model.Task) *model.Task { return task.Clone() },
		memory.WithField[model.Task](dao.ParamStatus, func(task *model.Task) string { return string(task.Status) }),
	)
	expertDAO := memory.New[model.Expert](
		func(e *model.Expert) dao.Key { return dao.NewKey(e.TenantID, e.ID) },
		func(e *model.Expert) *model.Expert { return e.Clone() },
		memory.WithField[model.Expert](dao.ParamRole, func(e *model.Expert) string { return string(e.Role) }),
	)
	edgeDAO := memory.New[model.Edge](
		func(e *model.Edge) dao.Key { return dao.NewKey(e.TenantID, e.ID) },
		func(e *model.Edge) *model.Edge { return e.Clone() },
	)
	workflowDAO := memory.New[model.Workflow](
		func(w *model.Workflow) dao.Key { return dao.NewKey(w.TenantID, w.ID) },
		func(w *model.Workflow) *model.Workflow { return w.Clone() },
	)
	experts := registry.New("acme", expertDAO, registry.DefaultConfig())
	store := taskstore.New("acme", taskDAO, experts, notify.NewNop())
	dependencyGraph := graph.New("acme", edgeDAO, store, graph.DefaultConfig())
	queue := qmemory.NewQueue[dispatch.Request](qmemory.DefaultConfig())
	pool, err := dispatch.New(store, queue, executor.NewNop(), dependencyGraph, dispatch.DefaultConfig())
	require.NoError(t, err)
	return &fixture{
		engine:  New("acme", workflowDAO, store, dependencyGraph, pool, DefaultConfig()),
		store:   store,
		experts: experts,
		graph:   dependencyGraph,
		queue:   queue,
	}
}

// runNode walks a node's task through assign, start and completion, the way
// the scheduler and an executor would.
func (f *fixture) runNode(t *testing.T, taskID string) {
	ctx := context.Background()
	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	expert, err := f.experts.RegisterExpert(ctx, task.Role, "exec-"+taskID, 1, nil)
	require.NoError(t, err)
	ok, err := f.store.AssignTask(ctx, taskID, expert.ID, "test", 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.store.StartTask(ctx, taskID, expert.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.store.CompleteTask(ctx, taskID, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	f.graph.InvalidateSnapshot()
}

func pipelineSpecs() []*NodeSpec {
	return []*NodeSpec{
		{Name: "plan", Role: model.RolePlanner, Priority: model.PriorityHigh},
		{Name: "content", Role: model.RoleExecutor},
		{Name: "review", Role: model.RoleEvaluator},
	}
}

func TestService_CreateWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.engine.BuildPipeline(ctx, "publish", pipelineSpecs())
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCreated, created.Status)
	require.Len(t, created.Nodes, 3)
	assert.Equal(t, []string{"plan"}, created.Nodes[1].DependsOn)
	assert.Equal(t, []string{"content"}, created.Nodes[2].DependsOn)

	// defaults applied to every node
	for _, node := range created.Nodes {
		assert.Equal(t, 3, node.MaxRetries)
		assert.Equal(t, 60*time.Minute, node.Estimated)
	}

	// backing tasks exist and carry the workflow reference
	task, err := f.store.GetTask(ctx, created.Nodes[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, task.Metadata.WorkflowID)
	assert.Equal(t, "workflow", task.Metadata.TriggerType)

	// only the root is dependency-ready
	ready, err := f.graph.GetReadyTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{created.Nodes[0].TaskID}, ready)
}

func TestService_CreateWorkflow_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.CreateWorkflow(ctx, "", pipelineSpecs())
	assert.Error(t, err)

	_, err = f.engine.CreateWorkflow(ctx, "dupes", []*NodeSpec{
		{Name: "a", Role: model.RoleExecutor},
		{Name: "a", Role: model.RoleExecutor},
	})
	assert.ErrorIs(t, err, ErrDuplicateNode)

	_, err = f.engine.CreateWorkflow(ctx, "dangling", []*NodeSpec{
		{Name: "a", Role: model.RoleExecutor, DependsOn: []string{"missing"}},
	})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.engine.BuildPipeline(ctx, "publish", pipelineSpecs())
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.PauseWorkflow(ctx, created.ID), ErrInvalidState)
	require.NoError(t, f.engine.StartWorkflow(ctx, created.ID))
	assert.ErrorIs(t, f.engine.StartWorkflow(ctx, created.ID), ErrInvalidState)
	require.NoError(t, f.engine.PauseWorkflow(ctx, created.ID))
	require.NoError(t, f.engine.ResumeWorkflow(ctx, created.ID))

	current, err := f.engine.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, current.Status)
	require.NotNil(t, current.StartedAt)
}

func TestService_PipelineRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.engine.BuildPipeline(ctx, "publish", pipelineSpecs())
	require.NoError(t, err)
	require.NoError(t, f.engine.StartWorkflow(ctx, created.ID))

	for _, node := range created.Nodes {
		require.NoError(t, f.engine.RunOnce(ctx))
		f.runNode(t, node.TaskID)
	}
	require.NoError(t, f.engine.RunOnce(ctx))

	status, err := f.engine.GetWorkflowStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, status.State)
	assert.Equal(t, 100.0, status.Completion)
	assert.Equal(t, time.Duration(0), status.RemainingEstimate)
	require.NotNil(t, status.CompletedAt)
}

func TestService_DispatchesAssignedNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.engine.CreateWorkflow(ctx, "single", []*NodeSpec{
		{Name: "only", Role: model.RoleExecutor},
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.StartWorkflow(ctx, created.ID))

	expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 1, nil)
	require.NoError(t, err)
	ok, err := f.store.AssignTask(ctx, created.Nodes[0].TaskID, expert.ID, "test", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.engine.RunOnce(ctx))
	assert.Equal(t, 1, f.queue.Size())

	// a second pass does not enqueue the node twice
	require.NoError(t, f.engine.RunOnce(ctx))
	assert.Equal(t, 1, f.queue.Size())

	current, err := f.engine.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, current.Nodes[0].Dispatched)
}

func TestService_RetriesFailedNodeWithinBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.engine.CreateWorkflow(ctx, "retrying", []*NodeSpec{
		{Name: "only", Role: model.RoleExecutor, MaxRetries: 2},
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.StartWorkflow(ctx, created.ID))
	taskID := created.Nodes[0].TaskID

	failOnce := func() {
		expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-"+taskID, 1, nil)
		require.NoError(t, err)
		ok, err := f.store.AssignTask(ctx, taskID, expert.ID, "test", 0)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = f.store.FailTask(ctx, taskID, []string{"boom"}, true)
		require.NoError(t, err)
	}

	failOnce()
	require.NoError(t, f.engine.RunOnce(ctx))
	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	failOnce()
	require.NoError(t, f.engine.RunOnce(ctx))
	task, err = f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, 2, task.RetryCount)

	// budget exhausted, the workflow settles as failed
	failOnce()
	require.NoError(t, f.engine.RunOnce(ctx))
	current, err := f.engine.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, current.Status)
	task, err = f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, task.Status)
	assert.Equal(t, 2, task.RetryCount)
}

func TestService_NonRetryableFailureFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.engine.CreateWorkflow(ctx, "fatal", []*NodeSpec{
		{Name: "only", Role: model.RoleExecutor, MaxRetries: 3},
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.StartWorkflow(ctx, created.ID))
	taskID := created.Nodes[0].TaskID

	expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 1, nil)
	require.NoError(t, err)
	ok, err := f.store.AssignTask(ctx, taskID, expert.ID, "test", 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.store.FailTask(ctx, taskID, []string{"invalid input"}, false)
	require.NoError(t, err)

	require.NoError(t, f.engine.RunOnce(ctx))
	current, err := f.engine.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, current.Status)
}

func TestService_CancelWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.engine.BuildPipeline(ctx, "publish", pipelineSpecs())
	require.NoError(t, err)
	require.NoError(t, f.engine.StartWorkflow(ctx, created.ID))
	require.NoError(t, f.engine.CancelWorkflow(ctx, created.ID, "superseded"))

	current, err := f.engine.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCancelled, current.Status)
	for _, node := range created.Nodes {
		task, err := f.store.GetTask(ctx, node.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, task.Status)
	}

	assert.ErrorIs(t, f.engine.CancelWorkflow(ctx, created.ID, "again"), ErrInvalidState)
}

func TestService_AddNodeToWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.engine.CreateWorkflow(ctx, "growing", []*NodeSpec{
		{Name: "seed", Role: model.RoleExecutor},
	})
	require.NoError(t, err)

	node, err := f.engine.AddNodeToWorkflow(ctx, created.ID, &NodeSpec{
		Name:      "sprout",
		Role:      model.RoleExecutor,
		DependsOn: []string{"seed"},
	})
	require.NoError(t, err)

	current, err := f.engine.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, current.Nodes, 2)
	assert.Equal(t, node.TaskID, current.Nodes[1].TaskID)

	_, err = f.engine.AddNodeToWorkflow(ctx, created.ID, &NodeSpec{Name: "seed", Role: model.RoleExecutor})
	assert.ErrorIs(t, err, ErrDuplicateNode)
	_, err = f.engine.AddNodeToWorkflow(ctx, created.ID, &NodeSpec{Name: "x", Role: model.RoleExecutor, DependsOn: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownNode)

	ready, err := f.graph.GetReadyTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{created.Nodes[0].TaskID}, ready)
}
