package service

import (
	"context"
	"sort"
	"testing"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// activateRow plays the monitor: the row is scheduled and the device's
// document rewritten to the rollout's new tag.
func (e *testEnv) activateRow(t *testing.T, rollout *api.Rollout, deviceUuid string) {
	t.Helper()
	ctx := context.Background()
	deviceId := uuid.MustParse(deviceUuid)
	now := time.Now().UTC()
	moved, err := e.store.Rollout().TransitionDevice(ctx, uuid.MustParse(rollout.Id), deviceId,
		[]api.RolloutDeviceStatusType{api.RolloutDevicePending}, api.RolloutDeviceScheduled,
		store.RowUpdate{ScheduledAt: &now})
	require.NoError(t, err)
	require.True(t, moved)
	_, _, err = e.targets.SetImageForService(ctx, deviceId, 1, 10, rollout.ImageName+":"+rollout.NewTag)
	require.NoError(t, err)
}

func (e *testEnv) deviceImage(t *testing.T, deviceUuid string) string {
	t.Helper()
	info, err := e.targets.Get(context.Background(), uuid.MustParse(deviceUuid))
	require.NoError(t, err)
	return info.Apps["1"].Services[0].ImageName
}

func TestRolloutOpStartPauseResume(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	env.seedFleet(t, 2, "acme/edge:1.0.0")
	policy := env.createEnabledPolicy(t, "edge", "acme/edge:*")
	rollout := env.planRollout(t, "acme/edge", "2.0.0", policy)

	started, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpStart, api.RolloutCommand{})
	require.EqualValues(200, status.Code)
	require.Equal(api.RolloutInProgress, started.Status)
	require.Equal(1, env.eventCount(t, api.EventRolloutStarted))

	// Starting twice conflicts: the rollout is no longer pending.
	_, status = env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpStart, api.RolloutCommand{})
	require.EqualValues(409, status.Code)

	paused, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpPause, api.RolloutCommand{Reason: "investigating"})
	require.EqualValues(200, status.Code)
	require.Equal(api.RolloutPaused, paused.Status)
	require.Equal("investigating", paused.Reason)

	resumed, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpResume, api.RolloutCommand{})
	require.EqualValues(200, status.Code)
	require.Equal(api.RolloutInProgress, resumed.Status)

	// Resume only applies to paused rollouts.
	_, status = env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpResume, api.RolloutCommand{})
	require.EqualValues(409, status.Code)
}

func TestRolloutOpCancelSkipsOpenRows(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	env.seedFleet(t, 4, "acme/edge:1.0.0")
	policy := env.createEnabledPolicy(t, "edge", "acme/edge:*")
	rollout := env.planRollout(t, "acme/edge", "2.0.0", policy)

	_, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpStart, api.RolloutCommand{})
	require.EqualValues(200, status.Code)

	// One device already converged; it keeps the new tag after cancel.
	rows := env.rolloutRows(t, rollout.Id, nil)
	sort.Slice(rows, func(i, j int) bool { return rows[i].DeviceUuid < rows[j].DeviceUuid })
	converged := rows[0]
	env.activateRow(t, rollout, converged.DeviceUuid)
	now := time.Now().UTC()
	moved, err := env.store.Rollout().TransitionDevice(ctx, uuid.MustParse(rollout.Id), converged.DeviceId,
		[]api.RolloutDeviceStatusType{api.RolloutDeviceScheduled}, api.RolloutDeviceHealthy,
		store.RowUpdate{HealthCheckedAt: &now})
	require.NoError(err)
	require.True(moved)

	cancelled, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpCancel, api.RolloutCommand{Reason: "bad build"})
	require.EqualValues(200, status.Code)
	require.Equal(api.RolloutCancelled, cancelled.Status)
	require.EqualValues(3, cancelled.Counters.Skipped)
	require.EqualValues(1, cancelled.Counters.Healthy)
	require.Equal(1, env.eventCount(t, api.EventRolloutCancelled))

	// Cancel is terminal.
	_, status = env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpResume, api.RolloutCommand{})
	require.EqualValues(409, status.Code)
}

func TestRolloutOpRollbackRestoresDocuments(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	env.seedFleet(t, 2, "acme/edge:1.0.0")
	policy := env.createEnabledPolicy(t, "edge", "acme/edge:*")
	rollout := env.planRollout(t, "acme/edge", "2.0.0", policy)

	_, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpStart, api.RolloutCommand{})
	require.EqualValues(200, status.Code)

	rows := env.rolloutRows(t, rollout.Id, nil)
	activated := rows[0]
	untouched := rows[1]
	env.activateRow(t, rollout, activated.DeviceUuid)
	require.Equal("acme/edge:2.0.0", env.deviceImage(t, activated.DeviceUuid))

	rolledBack, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpRollbackAll, api.RolloutCommand{Reason: "regression"})
	require.EqualValues(200, status.Code)
	require.Equal(api.RolloutRolledBack, rolledBack.Status)

	require.Equal("acme/edge:1.0.0", env.deviceImage(t, activated.DeviceUuid))
	require.Equal("acme/edge:1.0.0", env.deviceImage(t, untouched.DeviceUuid))

	row, err := env.store.Rollout().GetDeviceRow(ctx, uuid.MustParse(rollout.Id), activated.DeviceId)
	require.NoError(err)
	require.Equal(api.RolloutDeviceRolledBack, row.Status)
	row, err = env.store.Rollout().GetDeviceRow(ctx, uuid.MustParse(rollout.Id), untouched.DeviceId)
	require.NoError(err)
	require.Equal(api.RolloutDeviceSkipped, row.Status)

	// A completed rollout cannot be rolled back again.
	_, status = env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpRollbackAll, api.RolloutCommand{})
	require.EqualValues(409, status.Code)
}

func TestRolloutOpNextBatch(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	env.seedFleet(t, 2, "acme/edge:1.0.0")
	policy := env.createEnabledPolicy(t, "edge", "acme/edge:*")
	rollout := env.planRollout(t, "acme/edge", "2.0.0", policy)

	// Only in-progress rollouts advance.
	_, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpNextBatch, api.RolloutCommand{})
	require.EqualValues(409, status.Code)

	_, status = env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpStart, api.RolloutCommand{})
	require.EqualValues(200, status.Code)
	require.NoError(env.store.Rollout().SetCurrentBatch(ctx, uuid.MustParse(rollout.Id), 1, time.Now().UTC()))

	// Batch 1 still has an unsettled row.
	batch := 1
	rows := env.rolloutRows(t, rollout.Id, &batch)
	require.Len(rows, 1)
	env.activateRow(t, rollout, rows[0].DeviceUuid)
	_, status = env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpNextBatch, api.RolloutCommand{})
	require.EqualValues(409, status.Code)

	// Settle it, then advance.
	now := time.Now().UTC()
	moved, err := env.store.Rollout().TransitionDevice(ctx, uuid.MustParse(rollout.Id), rows[0].DeviceId,
		[]api.RolloutDeviceStatusType{api.RolloutDeviceScheduled}, api.RolloutDeviceHealthy,
		store.RowUpdate{HealthCheckedAt: &now})
	require.NoError(err)
	require.True(moved)

	advanced, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpNextBatch, api.RolloutCommand{})
	require.EqualValues(200, status.Code)
	require.Equal(2, advanced.CurrentBatch)

	// Already on the last batch.
	_, status = env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOpNextBatch, api.RolloutCommand{})
	require.EqualValues(409, status.Code)
}

func TestRolloutOpValidation(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	env.seedFleet(t, 1, "acme/edge:1.0.0")
	policy := env.createEnabledPolicy(t, "edge", "acme/edge:*")
	rollout := env.planRollout(t, "acme/edge", "2.0.0", policy)

	_, status := env.handler.ExecuteRolloutOp(ctx, rollout.Id, api.RolloutOp("explode"), api.RolloutCommand{})
	require.EqualValues(400, status.Code)

	_, status = env.handler.ExecuteRolloutOp(ctx, "not-a-uuid", api.RolloutOpStart, api.RolloutCommand{})
	require.EqualValues(400, status.Code)

	_, status = env.handler.ExecuteRolloutOp(ctx, uuid.New().String(), api.RolloutOpStart, api.RolloutCommand{})
	require.EqualValues(404, status.Code)
}

func TestRollbackSingleRolloutDevice(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	env.seedFleet(t, 2, "acme/edge:1.0.0")
	policy := env.createEnabledPolicy(t, "edge", "acme/edge:*")
	rollout := env.planRollout(t, "acme/edge", "2.0.0", policy)

	rows := env.rolloutRows(t, rollout.Id, nil)
	activated := rows[0]
	pending := rows[1]

	// Never-activated rows cannot be rolled back.
	_, status := env.handler.RollbackRolloutDevice(ctx, rollout.Id, pending.DeviceUuid)
	require.EqualValues(409, status.Code)

	env.activateRow(t, rollout, activated.DeviceUuid)
	require.Equal("acme/edge:2.0.0", env.deviceImage(t, activated.DeviceUuid))

	row, status := env.handler.RollbackRolloutDevice(ctx, rollout.Id, activated.DeviceUuid)
	require.EqualValues(200, status.Code)
	require.Equal(api.RolloutDeviceRolledBack, row.Status)
	require.Equal("acme/edge:1.0.0", env.deviceImage(t, activated.DeviceUuid))
	require.Equal(1, env.eventCount(t, api.EventDeviceRolledBack))

	_, status = env.handler.RollbackRolloutDevice(ctx, rollout.Id, uuid.New().String())
	require.EqualValues(404, status.Code)
}

func TestListAndGetRollouts(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	env.seedFleet(t, 2, "acme/edge:1.0.0")
	policy := env.createEnabledPolicy(t, "edge", "acme/*:*")
	rollout := env.planRollout(t, "acme/edge", "2.0.0", policy)

	list, status := env.handler.ListRollouts(ctx, ListRolloutsParams{})
	require.EqualValues(200, status.Code)
	require.Len(list.Items, 1)

	list, status = env.handler.ListRollouts(ctx, ListRolloutsParams{Status: string(api.RolloutCompleted)})
	require.EqualValues(200, status.Code)
	require.Empty(list.Items)

	fetched, status := env.handler.GetRollout(ctx, rollout.Id)
	require.EqualValues(200, status.Code)
	require.Equal(rollout.Id, fetched.Id)

	detail, status := env.handler.GetRolloutDetail(ctx, rollout.Id)
	require.EqualValues(200, status.Code)
	require.Len(detail.Devices, 2)
	require.NotEmpty(detail.Events)

	_, status = env.handler.GetRolloutDetail(ctx, uuid.New().String())
	require.EqualValues(404, status.Code)
}
