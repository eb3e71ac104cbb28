package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPollTargetStateRequiresAuthenticatedDevice(t *testing.T) {
	env := newTestEnv()
	device := env.registerDevice(t, "door-sensor")

	_, _, status := env.handler.PollTargetState(context.Background(), device.Uuid, "")
	require.EqualValues(t, 401, status.Code)
}

func TestPollTargetStateRejectsForeignKey(t *testing.T) {
	env := newTestEnv()
	device := env.registerDevice(t, "door-sensor")
	other := env.registerDevice(t, "gate-sensor")

	_, _, status := env.handler.PollTargetState(env.deviceCtx(t, other.Uuid), device.Uuid, "")
	require.EqualValues(t, 403, status.Code)
}

func TestPollTargetStateServesDocumentAndEtag(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	device := env.registerDevice(t, "door-sensor")
	env.seedTargetDoc(t, device.Uuid, "acme/edge:1.0.0")
	ctx := env.deviceCtx(t, device.Uuid)

	doc, etag, status := env.handler.PollTargetState(ctx, device.Uuid, "")
	require.EqualValues(200, status.Code)
	require.NotEmpty(etag)
	require.Len(doc, 1)
	require.Equal("acme/edge:1.0.0", doc[device.Uuid].Apps["1"].Services[0].ImageName)

	// Same validator: 304, no body, etag still present.
	doc, sameEtag, status := env.handler.PollTargetState(ctx, device.Uuid, etag)
	require.EqualValues(304, status.Code)
	require.Nil(doc)
	require.Equal(etag, sameEtag)

	// Document changes, validator goes stale.
	env.seedTargetDoc(t, device.Uuid, "acme/edge:2.0.0")
	doc, newEtag, status := env.handler.PollTargetState(ctx, device.Uuid, etag)
	require.EqualValues(200, status.Code)
	require.NotEqual(etag, newEtag)
	require.Equal("acme/edge:2.0.0", doc[device.Uuid].Apps["1"].Services[0].ImageName)
}

func TestPollTargetStateWithoutDocument(t *testing.T) {
	env := newTestEnv()
	device := env.registerDevice(t, "door-sensor")

	_, _, status := env.handler.PollTargetState(env.deviceCtx(t, device.Uuid), device.Uuid, "")
	require.EqualValues(t, 404, status.Code)
}

func TestPollMarksDeviceOnline(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	device := env.registerDevice(t, "door-sensor")
	env.seedTargetDoc(t, device.Uuid, "acme/edge:1.0.0")
	ctx := env.deviceCtx(t, device.Uuid)

	_, _, status := env.handler.PollTargetState(ctx, device.Uuid, "")
	require.EqualValues(200, status.Code)

	fetched, err := env.store.Device().Get(context.Background(), uuid.MustParse(device.Uuid))
	require.NoError(err)
	require.True(fetched.IsOnline)
	require.NotNil(fetched.LastSeen)
	require.Equal(1, env.eventCount(t, api.EventDeviceOnline))

	// Still online: no second event.
	_, _, status = env.handler.PollTargetState(ctx, device.Uuid, "")
	require.EqualValues(200, status.Code)
	require.Equal(1, env.eventCount(t, api.EventDeviceOnline))

	// Offline then back: the new event says how long the device was away.
	_, err = env.store.Device().MarkDisconnected(context.Background(), time.Now().Add(time.Minute))
	require.NoError(err)
	_, _, status = env.handler.PollTargetState(ctx, device.Uuid, "")
	require.EqualValues(200, status.Code)

	list, err := env.store.Event().List(context.Background(), store.ListParams{Limit: 10}, store.EventFilter{Type: api.EventDeviceOnline})
	require.NoError(err)
	require.Len(list.Items, 2)
	var details map[string]string
	require.NoError(json.Unmarshal(list.Items[0].Data, &details))
	require.Contains(details, "offlineFor")
}

func TestReportCurrentStateValidation(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	device := env.registerDevice(t, "door-sensor")
	other := env.registerDevice(t, "gate-sensor")
	ctx := env.deviceCtx(t, device.Uuid)

	_, status := env.handler.ReportCurrentState(context.Background(), api.DeviceStateReport{})
	require.EqualValues(401, status.Code)

	_, status = env.handler.ReportCurrentState(ctx, api.DeviceStateReport{})
	require.EqualValues(400, status.Code)

	_, status = env.handler.ReportCurrentState(ctx, api.DeviceStateReport{
		device.Uuid: {},
		other.Uuid:  {},
	})
	require.EqualValues(400, status.Code)

	_, status = env.handler.ReportCurrentState(ctx, api.DeviceStateReport{other.Uuid: {}})
	require.EqualValues(403, status.Code)
}

func TestReportCurrentStatePersistsAndPreservesApps(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	device := env.registerDevice(t, "door-sensor")
	ctx := env.deviceCtx(t, device.Uuid)

	apps := map[string]api.AppStatus{
		"1": {Id: 1, Services: []api.ServiceStatus{
			{Id: 10, Name: "app", Image: "acme/edge:1.0.0", Status: api.ServiceStatusRunning},
		}},
	}
	info, status := env.handler.ReportCurrentState(ctx, api.DeviceStateReport{device.Uuid: {
		Apps:       apps,
		SystemInfo: &api.SystemInfo{Ip: "10.0.0.7", CpuPercent: 12.5},
	}})
	require.EqualValues(200, status.Code)
	require.Len(info.Apps, 1)
	require.Equal("10.0.0.7", info.SystemInfo.Ip)

	// A heartbeat without apps keeps the stored apps and refreshes metrics.
	info, status = env.handler.ReportCurrentState(ctx, api.DeviceStateReport{device.Uuid: {
		SystemInfo: &api.SystemInfo{Ip: "10.0.0.7", CpuPercent: 40},
	}})
	require.EqualValues(200, status.Code)
	require.Len(info.Apps, 1)
	require.Equal("acme/edge:1.0.0", info.Apps["1"].Services[0].Image)
	require.EqualValues(40, info.SystemInfo.CpuPercent)
}

func TestReportShowingNewTagSettlesScheduledRollout(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	device := env.registerDevice(t, "door-sensor")
	env.seedTargetDoc(t, device.Uuid, "acme/edge:1.0.0")

	policy := env.createEnabledPolicy(t, "edge", "acme/edge:*")
	rollout := env.planRollout(t, "acme/edge", "2.0.0", policy)
	rolloutId := uuid.MustParse(rollout.Id)
	deviceId := uuid.MustParse(device.Uuid)

	// Simulate the monitor activating the row.
	now := time.Now().UTC()
	moved, err := env.store.Rollout().TransitionDevice(ctx, rolloutId, deviceId,
		[]api.RolloutDeviceStatusType{api.RolloutDevicePending}, api.RolloutDeviceScheduled,
		store.RowUpdate{ScheduledAt: &now})
	require.NoError(err)
	require.True(moved)

	// A report still showing the old tag settles nothing.
	oldApps := map[string]api.AppStatus{
		"1": {Id: 1, Services: []api.ServiceStatus{
			{Id: 10, Name: "app", Image: "acme/edge:1.0.0", Status: api.ServiceStatusRunning},
		}},
	}
	_, status := env.handler.ReportCurrentState(env.deviceCtx(t, device.Uuid), api.DeviceStateReport{device.Uuid: {Apps: oldApps}})
	require.EqualValues(200, status.Code)
	row, err := env.store.Rollout().GetDeviceRow(ctx, rolloutId, deviceId)
	require.NoError(err)
	require.Equal(api.RolloutDeviceScheduled, row.Status)

	// The report with the new tag moves the row to updated.
	newApps := map[string]api.AppStatus{
		"1": {Id: 1, Services: []api.ServiceStatus{
			{Id: 10, Name: "app", Image: "acme/edge:2.0.0", Status: api.ServiceStatusRunning},
		}},
	}
	_, status = env.handler.ReportCurrentState(env.deviceCtx(t, device.Uuid), api.DeviceStateReport{device.Uuid: {Apps: newApps}})
	require.EqualValues(200, status.Code)
	row, err = env.store.Rollout().GetDeviceRow(ctx, rolloutId, deviceId)
	require.NoError(err)
	require.Equal(api.RolloutDeviceUpdated, row.Status)
	require.NotNil(row.UpdatedAt)

	// Retried report is a no-op.
	_, status = env.handler.ReportCurrentState(env.deviceCtx(t, device.Uuid), api.DeviceStateReport{device.Uuid: {Apps: newApps}})
	require.EqualValues(200, status.Code)
	row, err = env.store.Rollout().GetDeviceRow(ctx, rolloutId, deviceId)
	require.NoError(err)
	require.Equal(api.RolloutDeviceUpdated, row.Status)
}
