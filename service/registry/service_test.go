package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/dao/memory"
)

func newService() *Service {
	experts := memory.New[model.Expert](
		func(e *model.Expert) dao.Key { return dao.NewKey(e.TenantID, e.ID) },
		func(e *model.Expert) *model.Expert { return e.Clone() },
		memory.WithField[model.Expert](dao.ParamRole, func(e *model.Expert) string { return string(e.Role) }),
	)
	return New("acme", experts, DefaultConfig())
}

func TestService_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	service := newService()

	expert, err := service.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 0, []string{"video"})
	require.NoError(t, err)
	assert.NotEmpty(t, expert.ID)
	// zero capacity falls back to the configured default
	assert.EqualValues(t, DefaultConfig().DefaultMaxConcurrent, expert.MaxConcurrent)

	_, err = service.RegisterExpert(ctx, model.RolePlanner, "planner", 1, nil)
	require.NoError(t, err)

	all, err := service.ListExperts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, len(all))

	executors, err := service.ListExperts(ctx, model.RoleExecutor)
	require.NoError(t, err)
	require.EqualValues(t, 1, len(executors))
	assert.EqualValues(t, "exec-1", executors[0].Name)

	_, err = service.RegisterExpert(ctx, "", "x", 1, nil)
	assert.Error(t, err)
}

func TestService_AdjustLoadBounds(t *testing.T) {
	ctx := context.Background()
	service := newService()

	expert, err := service.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 1, nil)
	require.NoError(t, err)

	require.NoError(t, service.AdjustLoad(ctx, expert.ID, 1))
	assert.ErrorIs(t, service.AdjustLoad(ctx, expert.ID, 1), ErrCapacityExceeded)
	require.NoError(t, service.AdjustLoad(ctx, expert.ID, -1))
	assert.ErrorIs(t, service.AdjustLoad(ctx, expert.ID, -1), ErrCapacityExceeded)
}

func TestService_RemoveExpert(t *testing.T) {
	ctx := context.Background()
	service := newService()

	expert, err := service.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, service.AdjustLoad(ctx, expert.ID, 1))

	assert.ErrorIs(t, service.RemoveExpert(ctx, expert.ID), ErrHasActiveWork)

	require.NoError(t, service.AdjustLoad(ctx, expert.ID, -1))
	require.NoError(t, service.RemoveExpert(ctx, expert.ID))
	_, err = service.GetExpert(ctx, expert.ID)
	assert.ErrorIs(t, err, dao.ErrNotFound)
}

func TestService_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	service := newService()

	expert, err := service.RegisterExpert(ctx, model.RoleExecutor, "exec-1", 1, nil)
	require.NoError(t, err)

	quality := 0.8
	require.NoError(t, service.RecordOutcome(ctx, expert.ID, true, &quality))
	require.NoError(t, service.RecordOutcome(ctx, expert.ID, false, nil))

	loaded, err := service.GetExpert(ctx, expert.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, loaded.Performance.Completed)
	assert.EqualValues(t, 1, loaded.Performance.Failed)
	assert.InDelta(t, 0.5, loaded.Performance.CompletionRate(), 1e-9)
	assert.InDelta(t, 0.8, loaded.Performance.AvgQuality(), 1e-9)
}

func TestService_EnsureCapacity(t *testing.T) {
	ctx := context.Background()
	service := newService()

	added, err := service.EnsureCapacity(ctx, model.RoleExecutor, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, added)

	// idempotent once satisfied
	added, err = service.EnsureCapacity(ctx, model.RoleExecutor, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 0, added)

	// bounded by MaxInstancesPerRole
	added, err = service.EnsureCapacity(ctx, model.RoleExecutor, 100)
	require.NoError(t, err)
	executors, err := service.ListExperts(ctx, model.RoleExecutor)
	require.NoError(t, err)
	assert.EqualValues(t, DefaultConfig().MaxInstancesPerRole, len(executors))
	assert.EqualValues(t, DefaultConfig().MaxInstancesPerRole-3, added)

	// the leader role is a singleton, never scaled
	added, err = service.EnsureCapacity(ctx, model.RolePlanner, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, added)
	planners, err := service.ListExperts(ctx, model.RolePlanner)
	require.NoError(t, err)
	assert.Empty(t, planners)
}
