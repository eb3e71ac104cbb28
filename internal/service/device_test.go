package service

import (
	"context"
	"testing"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/auth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRegisterDeviceIssuesKeyOnce(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()

	created, status := env.handler.RegisterDevice(ctx, api.Device{Name: "door-sensor", Fleet: "plant-a"})
	require.EqualValues(201, status.Code)
	require.NotEmpty(created.Uuid)
	require.NotEmpty(created.ApiKey)
	require.True(created.IsActive)

	record, err := env.store.Device().GetAuthRecord(ctx, uuid.MustParse(created.Uuid))
	require.NoError(err)
	assert.NotEqual(t, created.ApiKey, record.KeyHash)
	keyUuid, secret, err := auth.ParseKey(created.ApiKey)
	require.NoError(err)
	require.Equal(created.Uuid, keyUuid.String())
	require.NoError(bcrypt.CompareHashAndPassword([]byte(record.KeyHash), []byte(secret)))

	detail, status := env.handler.GetDevice(ctx, created.Uuid)
	require.EqualValues(200, status.Code)
	assert.Equal(t, "door-sensor", detail.Name)
	assert.Equal(t, 1, env.eventCount(t, api.EventDeviceRegistered))
}

func TestRegisterDeviceRequiresName(t *testing.T) {
	env := newTestEnv()

	_, status := env.handler.RegisterDevice(context.Background(), api.Device{})
	require.EqualValues(t, 400, status.Code)
}

func TestRegisterDeviceDuplicateNameConflicts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.registerDevice(t, "door-sensor")
	_, status := env.handler.RegisterDevice(ctx, api.Device{Name: "door-sensor"})
	require.EqualValues(t, 409, status.Code)
}

func TestReissueDeviceKeyInvalidatesOldKey(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	device := env.registerDevice(t, "door-sensor")

	reissued, status := env.handler.ReissueDeviceKey(ctx, device.Uuid)
	require.EqualValues(201, status.Code)
	require.NotEmpty(reissued.ApiKey)
	require.NotEqual(device.ApiKey, reissued.ApiKey)

	record, err := env.store.Device().GetAuthRecord(ctx, uuid.MustParse(device.Uuid))
	require.NoError(err)
	_, newSecret, err := auth.ParseKey(reissued.ApiKey)
	require.NoError(err)
	require.NoError(bcrypt.CompareHashAndPassword([]byte(record.KeyHash), []byte(newSecret)))
	_, oldSecret, err := auth.ParseKey(device.ApiKey)
	require.NoError(err)
	require.Error(bcrypt.CompareHashAndPassword([]byte(record.KeyHash), []byte(oldSecret)))
}

func TestRevokeDeviceKey(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	device := env.registerDevice(t, "door-sensor")

	status := env.handler.RevokeDeviceKey(ctx, device.Uuid)
	require.EqualValues(204, status.Code)

	record, err := env.store.Device().GetAuthRecord(ctx, uuid.MustParse(device.Uuid))
	require.NoError(err)
	require.True(record.KeyRevoked)

	// Re-issuing clears the revocation.
	_, status = env.handler.ReissueDeviceKey(ctx, device.Uuid)
	require.EqualValues(201, status.Code)
	record, err = env.store.Device().GetAuthRecord(ctx, uuid.MustParse(device.Uuid))
	require.NoError(err)
	require.False(record.KeyRevoked)
}

func TestListDevicesFiltersByFleet(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()

	_, status := env.handler.RegisterDevice(ctx, api.Device{Name: "a", Fleet: "plant-a"})
	require.EqualValues(201, status.Code)
	_, status = env.handler.RegisterDevice(ctx, api.Device{Name: "b", Fleet: "plant-b"})
	require.EqualValues(201, status.Code)

	list, status := env.handler.ListDevices(ctx, ListDevicesParams{Fleet: "plant-a"})
	require.EqualValues(200, status.Code)
	require.Len(list.Items, 1)
	require.Equal("a", list.Items[0].Name)
}

func TestListDevicesRejectsOversizedLimit(t *testing.T) {
	env := newTestEnv()

	_, status := env.handler.ListDevices(context.Background(), ListDevicesParams{Limit: 100000})
	require.EqualValues(t, 400, status.Code)
}

func TestGetDeviceReturnsStateDocuments(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	device := env.registerDevice(t, "door-sensor")

	// Fresh device: no documents yet.
	detail, status := env.handler.GetDevice(ctx, device.Uuid)
	require.EqualValues(200, status.Code)
	require.Nil(detail.TargetState)
	require.Nil(detail.CurrentState)

	env.seedTargetDoc(t, device.Uuid, "acme/edge:1.0.0")
	report := api.DeviceStateReport{device.Uuid: {SystemInfo: &api.SystemInfo{Ip: "10.0.0.7"}}}
	_, status = env.handler.ReportCurrentState(env.deviceCtx(t, device.Uuid), report)
	require.EqualValues(200, status.Code)

	detail, status = env.handler.GetDevice(ctx, device.Uuid)
	require.EqualValues(200, status.Code)
	require.NotNil(detail.TargetState)
	require.Equal("acme/edge:1.0.0", detail.TargetState.Apps["1"].Services[0].ImageName)
	require.NotNil(detail.CurrentState)
	require.Equal("10.0.0.7", detail.CurrentState.SystemInfo.Ip)
}

func TestGetDeviceUnknownUuid(t *testing.T) {
	env := newTestEnv()

	_, status := env.handler.GetDevice(context.Background(), uuid.New().String())
	require.EqualValues(t, 404, status.Code)

	_, status = env.handler.GetDevice(context.Background(), "not-a-uuid")
	require.EqualValues(t, 400, status.Code)
}

func TestUpdateDeviceRewritesAdminColumns(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	device := env.registerDevice(t, "door-sensor")

	updated, status := env.handler.UpdateDevice(ctx, device.Uuid, api.Device{
		Name:  "door-sensor",
		Fleet: "plant-b",
		Tags:  []string{"hall-3"},
	})
	require.EqualValues(200, status.Code)
	require.Equal("plant-b", updated.Fleet)
	require.Equal([]string{"hall-3"}, updated.Tags)

	_, status = env.handler.UpdateDevice(ctx, device.Uuid, api.Device{})
	require.EqualValues(400, status.Code)
}

func TestDeleteDevice(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	device := env.registerDevice(t, "door-sensor")

	status := env.handler.DeleteDevice(ctx, device.Uuid)
	require.EqualValues(204, status.Code)

	_, status = env.handler.GetDevice(ctx, device.Uuid)
	require.EqualValues(404, status.Code)
}

func TestSetDeviceTargetState(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	device := env.registerDevice(t, "door-sensor")

	doc := api.TargetState{
		Apps: map[string]api.App{
			"1": {Id: 1, Name: "edge", Services: []api.Service{{Id: 10, Name: "app", ImageName: "acme/edge:1.0.0"}}},
		},
	}
	info, status := env.handler.SetDeviceTargetState(ctx, device.Uuid, doc)
	require.EqualValues(200, status.Code)
	require.EqualValues(1, info.Version)
	require.NotEmpty(info.Etag)

	// Writing the identical document does not bump the version.
	again, status := env.handler.SetDeviceTargetState(ctx, device.Uuid, doc)
	require.EqualValues(200, status.Code)
	require.EqualValues(1, again.Version)
	require.Equal(info.Etag, again.Etag)

	_, status = env.handler.SetDeviceTargetState(ctx, uuid.New().String(), doc)
	require.EqualValues(404, status.Code)
}
