package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/clock"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/policy"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/dao/memory"
	"github.com/taskmesh/taskmesh/service/dispatch"
	"github.com/taskmesh/taskmesh/service/executor"
	"github.com/taskmesh/taskmesh/service/graph"
	qmemory "github.com/taskmesh/taskmesh/service/messaging/memory"
	"github.com/taskmesh/taskmesh/service/notify"
	"github.com/taskmesh/taskmesh/service/registry"
	"github.com/taskmesh/taskmesh/service/scheduler"
	"github.com/taskmesh/taskmesh/service/taskstore"
	"github.com/taskmesh/taskmesh/service/workflow"
)

type fixture struct {
	supervisor *Service
	store      *taskstore.Service
	experts    *registry.Service
	graph      *graph.Service
	scheduler  *scheduler.Service
	workflows  *workflow.Service
	queue      *qmemory.Queue[dispatch.Request]
	alertDAO   dao.Service[dao.Key, model.Alert]
}

func newFixture(t *testing.T, config Config) *fixture {
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
	alertDAO := memory.New[model.Alert](
		func(a *model.Alert) dao.Key { return dao.NewKey(a.TenantID, a.ID) },
		func(a *model.Alert) *model.Alert { return a.Clone() },
		memory.WithField[model.Alert](dao.ParamResolved, func(a *model.Alert) string {
			if a.Resolved {
				return "true"
			}
			return "false"
		}),
	)
	experts := registry.New("acme", expertDAO, registry.DefaultConfig())
	store := taskstore.New("acme", taskDAO, experts, notify.NewNop())
	dependencyGraph := graph.New("acme", edgeDAO, store, graph.DefaultConfig())
	sched := scheduler.New(store, experts, dependencyGraph, scheduler.DefaultConfig())
	queue := qmemory.NewQueue[dispatch.Request](qmemory.DefaultConfig())
	pool, err := dispatch.New(store, queue, executor.NewNop(), dependencyGraph, dispatch.DefaultConfig())
	require.NoError(t, err)
	engine := workflow.New("acme", workflowDAO, store, dependencyGraph, pool, workflow.DefaultConfig())
	sup, err := New("acme", store, experts, dependencyGraph, sched, engine, pool, alertDAO, config)
	require.NoError(t, err)
	return &fixture{
		supervisor: sup,
		store:      store,
		experts:    experts,
		graph:      dependencyGraph,
		scheduler:  sched,
		workflows:  engine,
		queue:      queue,
		alertDAO:   alertDAO,
	}
}

func (f *fixture) newTask(t *testing.T, spec *taskstore.TaskSpec) *model.Task {
	task, err := f.store.CreateTask(context.Background(), spec)
	require.NoError(t, err)
	f.graph.AddTask(task)
	return task
}

// failOnce walks a task through assignment and failure.
func (f *fixture) failOnce(t *testing.T, taskID string) {
	ctx := context.Background()
	expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-"+taskID, 1, nil)
	require.NoError(t, err)
	ok, err := f.store.AssignTask(ctx, taskID, expert.ID, "test", 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.store.FailTask(ctx, taskID, []string{"boom"}, true)
	require.NoError(t, err)
	f.graph.InvalidateSnapshot()
}

func replanningTasks(t *testing.T, f *fixture) []*model.Task {
	tasks, err := f.store.GetTasksByStatus(context.Background(),
		model.StatusPending, model.StatusAssigned, model.StatusInProgress)
	require.NoError(t, err)
	var ret []*model.Task
	for _, task := range tasks {
		if task.Metadata.TriggerType == TriggerReplanning {
			ret = append(ret, task)
		}
	}
	return ret
}

func TestService_ReplanningAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	task := f.newTask(t, &taskstore.TaskSpec{Title: "fragile", Role: model.RoleExecutor, MaxRetries: 2})

	// two failures are swept back into rotation
	for attempt := 1; attempt <= 2; attempt++ {
		f.failOnce(t, task.ID)
		require.NoError(t, f.supervisor.RunCycle(ctx))
		current, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, current.Status)
		assert.Equal(t, attempt, current.RetryCount)
	}

	// the third failure exhausts retries: no reset, replanning instead
	f.failOnce(t, task.ID)
	require.NoError(t, f.supervisor.RunCycle(ctx))

	current, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, current.Status)
	assert.True(t, current.RequiresReplanning)
	assert.Equal(t, 2, current.RetryCount)

	plans := replanningTasks(t, f)
	require.Len(t, plans, 1)
	assert.Equal(t, model.RolePlanner, plans[0].Role)
	assert.Equal(t, model.PriorityUrgent, plans[0].Priority)
	assert.Contains(t, plans[0].Metadata.Extra["incompleteTasks"], task.ID)

	alerts, err := f.supervisor.OpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertRetriesExhausted, alerts[0].Type)

	// further cycles do not emit a second replanning task
	require.NoError(t, f.supervisor.RunCycle(ctx))
	assert.Len(t, replanningTasks(t, f), 1)
}

func TestService_ReplanningTaskIsSchedulable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	task := f.newTask(t, &taskstore.TaskSpec{Title: "doomed", Role: model.RoleExecutor, MaxRetries: 1})
	f.failOnce(t, task.ID)
	require.NoError(t, f.supervisor.RunCycle(ctx))
	f.failOnce(t, task.ID)
	require.NoError(t, f.supervisor.RunCycle(ctx))

	plans := replanningTasks(t, f)
	require.Len(t, plans, 1)

	_, err := f.experts.RegisterExpert(ctx, model.RolePlanner, "planner-1", 1, nil)
	require.NoError(t, err)

	// the default round only considers dependency-ready tasks; the emitted
	// task must be visible to it
	assigned, err := f.scheduler.ForceSchedulingRound(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, assigned)

	current, err := f.store.GetTask(ctx, plans[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, current.Status)
}

func TestService_WaitingAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock.NowFunc = func() time.Time { return base }
	defer func() { clock.NowFunc = time.Now }()

	task := f.newTask(t, &taskstore.TaskSpec{Title: "waiting", Role: model.RoleExecutor})

	// within the threshold nothing is raised
	require.NoError(t, f.supervisor.RunCycle(ctx))
	alerts, err := f.supervisor.OpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	clock.NowFunc = func() time.Time { return base.Add(11 * time.Minute) }
	require.NoError(t, f.supervisor.RunCycle(ctx))
	require.NoError(t, f.supervisor.RunCycle(ctx))
	alerts, err = f.supervisor.OpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTasksWaitingTooLong, alerts[0].Type)
	assert.Equal(t, task.ID, alerts[0].Subject)

	// assignment corrects the condition
	expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 1, nil)
	require.NoError(t, err)
	ok, err := f.store.AssignTask(ctx, task.ID, expert.ID, "test", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.supervisor.ReconcileAlerts(ctx))
	alerts, err = f.supervisor.OpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	// resolved alerts are garbage-collected after the retention window
	clock.NowFunc = func() time.Time { return base.Add(11*time.Minute + 25*time.Hour) }
	require.NoError(t, f.supervisor.ReconcileAlerts(ctx))
	remaining, err := f.alertDAO.List(ctx, dao.NewParameter(dao.ParamTenantID, "acme"))
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestService_StuckWorkflowAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	created, err := f.workflows.CreateWorkflow(ctx, "stalling", []*workflow.NodeSpec{
		{Name: "only", Role: model.RoleExecutor, MaxRetries: 1},
	})
	require.NoError(t, err)
	require.NoError(t, f.workflows.StartWorkflow(ctx, created.ID))
	f.failOnce(t, created.Nodes[0].TaskID)

	require.NoError(t, f.supervisor.RunCycle(ctx))
	alerts, err := f.supervisor.OpenAlerts(ctx)
	require.NoError(t, err)
	types := map[model.AlertType]bool{}
	for _, alert := range alerts {
		types[alert.Type] = true
	}
	assert.True(t, types[model.AlertWorkflowStuck])
	assert.True(t, types[model.AlertHighFailureRate])

	// the same cycle swept the task back to pending, which corrects both
	require.NoError(t, f.supervisor.ReconcileAlerts(ctx))
	alerts, err = f.supervisor.OpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestService_TaskTimeoutAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock.NowFunc = func() time.Time { return base }
	defer func() { clock.NowFunc = time.Now }()

	task := f.newTask(t, &taskstore.TaskSpec{Title: "slow", Role: model.RoleExecutor})
	expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 1, nil)
	require.NoError(t, err)
	ok, err := f.store.AssignTask(ctx, task.ID, expert.ID, "test", 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.store.StartTask(ctx, task.ID, expert.ID)
	require.NoError(t, err)
	require.True(t, ok)

	clock.NowFunc = func() time.Time { return base.Add(31 * time.Minute) }
	require.NoError(t, f.supervisor.RunCycle(ctx))
	alerts, err := f.supervisor.OpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTaskTimeout, alerts[0].Type)

	// advisory only: the task keeps running
	current, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, current.Status)

	// completion corrects the condition
	ok, err = f.store.CompleteTask(ctx, task.ID, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.supervisor.ReconcileAlerts(ctx))
	alerts, err = f.supervisor.OpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestService_BoundedDispatch(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.Mode = policy.ModeActive
	config.MaxConcurrentExecutions = 2
	f := newFixture(t, config)

	priorities := []model.Priority{model.PriorityLow, model.PriorityUrgent, model.PriorityMedium}
	byPriority := map[model.Priority]string{}
	for _, priority := range priorities {
		task := f.newTask(t, &taskstore.TaskSpec{Title: string(priority), Role: model.RoleExecutor, Priority: priority})
		expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-"+task.ID, 1, nil)
		require.NoError(t, err)
		ok, err := f.store.AssignTask(ctx, task.ID, expert.ID, "test", 0)
		require.NoError(t, err)
		require.True(t, ok)
		byPriority[priority] = task.ID
	}

	require.NoError(t, f.supervisor.RunCycle(ctx))
	require.Equal(t, 2, f.queue.Size())

	submitted := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, err := f.queue.Consume(ctx)
		require.NoError(t, err)
		submitted[msg.T().TaskID] = true
		require.NoError(t, msg.Ack())
	}
	assert.True(t, submitted[byPriority[model.PriorityUrgent]])
	assert.True(t, submitted[byPriority[model.PriorityMedium]])
}

func TestService_PassiveModeDoesNotDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	task := f.newTask(t, &taskstore.TaskSpec{Title: "idle", Role: model.RoleExecutor})
	expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 1, nil)
	require.NoError(t, err)
	ok, err := f.store.AssignTask(ctx, task.ID, expert.ID, "test", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.supervisor.RunCycle(ctx))
	assert.Equal(t, 0, f.queue.Size())

	// a context policy can override the configured mode for one cycle
	override := policy.WithPolicy(ctx, &policy.Policy{Mode: policy.ModeActive})
	require.NoError(t, f.supervisor.RunCycle(override))
	assert.Equal(t, 1, f.queue.Size())
}

func TestService_IntelligentScaling(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.Mode = policy.ModeIntelligent
	f := newFixture(t, config)

	for i := 0; i < 7; i++ {
		f.newTask(t, &taskstore.TaskSpec{Title: "bulk", Role: model.RoleExecutor})
	}
	f.newTask(t, &taskstore.TaskSpec{Title: "plan", Role: model.RolePlanner})

	require.NoError(t, f.supervisor.RunCycle(ctx))

	executors, err := f.experts.ListExperts(ctx, model.RoleExecutor)
	require.NoError(t, err)
	assert.Len(t, executors, 3) // ceil(7 / 3)

	// the planner is the singleton leader role and is never scaled
	planners, err := f.experts.ListExperts(ctx, model.RolePlanner)
	require.NoError(t, err)
	assert.Empty(t, planners)
}

func TestService_SchedulerIntervalAdaptation(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.Mode = policy.ModeIntelligent
	f := newFixture(t, config)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock.NowFunc = func() time.Time { return base }
	defer func() { clock.NowFunc = time.Now }()

	complete := func(duration time.Duration) {
		task := f.newTask(t, &taskstore.TaskSpec{Title: "timed", Role: model.RoleExecutor})
		expert, err := f.experts.RegisterExpert(ctx, model.RoleExecutor, "exec-"+task.ID, 1, nil)
		require.NoError(t, err)
		ok, err := f.store.AssignTask(ctx, task.ID, expert.ID, "test", 0)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = f.store.StartTask(ctx, task.ID, expert.ID)
		require.NoError(t, err)
		require.True(t, ok)
		started := clock.NowFunc
		clock.NowFunc = func() time.Time { return started().Add(duration) }
		ok, err = f.store.CompleteTask(ctx, task.ID, nil, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}

	initial := f.scheduler.Interval()
	complete(10 * time.Minute)
	require.NoError(t, f.supervisor.RunCycle(ctx))
	assert.Equal(t, initial+5*time.Second, f.scheduler.Interval())
}

func TestService_Dashboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	f.newTask(t, &taskstore.TaskSpec{Title: "a", Role: model.RoleExecutor})
	f.newTask(t, &taskstore.TaskSpec{Title: "b", Role: model.RoleExecutor})
	_, err := f.workflows.CreateWorkflow(ctx, "wf", []*workflow.NodeSpec{
		{Name: "n", Role: model.RoleExecutor},
	})
	require.NoError(t, err)

	dashboard, err := f.supervisor.GetMonitoringDashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dashboard.TaskCounts[model.StatusPending])
	assert.Len(t, dashboard.Workflows, 1)
	assert.Equal(t, policy.ModePassive, dashboard.Mode)
	assert.Empty(t, dashboard.OpenAlerts)
	require.NotNil(t, dashboard.Scheduler)
}

func TestService_UpdateConfiguration(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	config := f.supervisor.Configuration()
	config.Mode = policy.ModeActive
	config.MaxConcurrentExecutions = 9
	require.NoError(t, f.supervisor.UpdateConfiguration(config))
	assert.Equal(t, policy.ModeActive, f.supervisor.Configuration().Mode)
	assert.Equal(t, 9, f.supervisor.Configuration().MaxConcurrentExecutions)

	config.MaxConcurrentExecutions = 0
	assert.Error(t, f.supervisor.UpdateConfiguration(config))
}
