package taskmesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/policy"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/service/workflow"
)

func TestEngine_PipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := New()
	runtime, err := engine.Runtime("acme")
	require.NoError(t, err)
	require.NoError(t, runtime.Start(ctx))
	defer runtime.Shutdown(ctx)

	_, err = runtime.Experts().RegisterExpert(ctx, model.RolePlanner, "planner-1", 2, nil)
	require.NoError(t, err)
	_, err = runtime.Experts().RegisterExpert(ctx, model.RoleExecutor, "executor-1", 2, []string{"writing"})
	require.NoError(t, err)
	_, err = runtime.Experts().RegisterExpert(ctx, model.RoleEvaluator, "evaluator-1", 2, nil)
	require.NoError(t, err)

	created, err := runtime.Workflows().BuildPipeline(ctx, "publish", []*workflow.NodeSpec{
		{Name: "plan", Role: model.RolePlanner, Priority: model.PriorityHigh},
		{Name: "content", Role: model.RoleExecutor, RequiredSkills: []string{"writing"}},
		{Name: "review", Role: model.RoleEvaluator},
	})
	require.NoError(t, err)
	require.NoError(t, runtime.Workflows().StartWorkflow(ctx, created.ID))

	for _, node := range created.Nodes {
		assigned, err := runtime.Scheduler().ForceSchedulingRound(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, assigned, "node %s should be schedulable", node.Name)
		require.NoError(t, runtime.Workflows().RunOnce(ctx))

		taskID := node.TaskID
		// the dispatch worker invalidates the status snapshot on completion,
		// so the next round sees the dependent node without any nudging
		assert.Eventually(t, func() bool {
			task, err := runtime.Tasks().GetTask(ctx, taskID)
			return err == nil && task.Status == model.StatusCompleted
		}, 2*time.Second, 10*time.Millisecond)
	}

	require.NoError(t, runtime.Workflows().RunOnce(ctx))
	status, err := runtime.Workflows().GetWorkflowStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, status.State)
	assert.Equal(t, 100.0, status.Completion)

	dashboard, err := runtime.Supervisor().GetMonitoringDashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dashboard.TaskCounts[model.StatusCompleted])
	assert.Empty(t, dashboard.OpenAlerts)
}

func TestEngine_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	engine := New()

	acme, err := engine.Runtime("acme")
	require.NoError(t, err)
	globex, err := engine.Runtime("globex")
	require.NoError(t, err)

	_, err = acme.Tasks().CreateTask(ctx, &taskstore.TaskSpec{Title: "private", Role: model.RoleExecutor})
	require.NoError(t, err)

	mine, err := acme.Tasks().GetTasksByStatus(ctx, model.StatusPending)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := globex.Tasks().GetTasksByStatus(ctx, model.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, theirs)

	// the same tenant id always yields the same runtime
	again, err := engine.Runtime("acme")
	require.NoError(t, err)
	assert.Same(t, acme, again)
}

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig([]byte(`
dispatch:
  workerCount: 9
supervisor:
  mode: active
  maxConcurrentExecutions: 7
`))
	require.NoError(t, err)
	assert.Equal(t, 9, config.Dispatch.WorkerCount)
	assert.Equal(t, policy.ModeActive, config.Supervisor.Mode)
	assert.Equal(t, 7, config.Supervisor.MaxConcurrentExecutions)

	// untouched sections keep their defaults
	assert.Equal(t, DefaultConfig().Scheduler.PollingInterval, config.Scheduler.PollingInterval)
	assert.Equal(t, DefaultConfig().Supervisor.TaskTimeout, config.Supervisor.TaskTimeout)

	_, err = ParseConfig([]byte("supervisor: {maxConcurrentExecutions: -1}"))
	assert.Error(t, err)
}
