package rollout

import (
	"context"
	"fmt"
	"sort"
	"testing"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/store/teststore"
	"github.com/fleetyard/fleetyard/internal/targetstate"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBatchPercents = []int{10, 50, 100}

func newTestPublisher(st store.Store) *events.Publisher {
	return events.NewPublisher(st.Event(), "test", logrus.New())
}

func newTestPlanner(st store.Store) *Planner {
	return NewPlanner(st, newTestPublisher(st), testBatchPercents, logrus.New())
}

func newTargetService(st store.Store) *targetstate.Service {
	return targetstate.NewService(st, newTestPublisher(st), logrus.New())
}

func seedDevice(t *testing.T, st store.Store, name string, mutate ...func(*api.Device)) uuid.UUID {
	t.Helper()
	device := &api.Device{Name: name}
	for _, fn := range mutate {
		fn(device)
	}
	created, err := st.Device().Create(context.Background(), device, "key-hash")
	require.NoError(t, err)
	return uuid.MustParse(created.Uuid)
}

// seedTargetDoc writes a one-app one-service document running ref at
// app 1 / service 10.
func seedTargetDoc(t *testing.T, ts *targetstate.Service, deviceId uuid.UUID, ref string) {
	t.Helper()
	doc := api.TargetState{
		Apps: map[string]api.App{
			"1": {
				Id:   1,
				Name: "edge",
				Services: []api.Service{
					{Id: 10, Name: "app", ImageName: ref},
				},
			},
		},
	}
	_, err := ts.Update(context.Background(), deviceId, doc)
	require.NoError(t, err)
}

// seedFleet registers n devices running ref and returns their uuids.
func seedFleet(t *testing.T, st store.Store, ts *targetstate.Service, n int, ref string) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		ids[i] = seedDevice(t, st, fmt.Sprintf("device-%02d", i))
		seedTargetDoc(t, ts, ids[i], ref)
	}
	return ids
}

func serviceImage(t *testing.T, ts *targetstate.Service, deviceId uuid.UUID) string {
	t.Helper()
	info, err := ts.Get(context.Background(), deviceId)
	require.NoError(t, err)
	return info.Apps["1"].Services[0].ImageName
}

func TestPlanStagedRolloutPartitionsByCumulativePercent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)
	seedFleet(t, st, ts, 7, "acme/edge:1.0.0")

	policy := &api.UpdatePolicy{
		Id:            uuid.New().String(),
		Strategy:      api.RolloutStrategyStaged,
		BatchPercents: []int{10, 50, 100},
		Enabled:       true,
	}
	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", policy)
	require.NoError(err)
	require.NotNil(rollout)
	require.Equal(api.RolloutPending, rollout.Status)
	require.Equal("1.0.0", rollout.OldTag)
	require.Equal("2.0.0", rollout.NewTag)
	require.Equal(3, rollout.TotalBatches)
	require.EqualValues(7, rollout.Counters.Pending)

	rows, err := st.Rollout().ListDevices(ctx, uuid.MustParse(rollout.Id))
	require.NoError(err)
	require.Len(rows, 7)

	perBatch := map[int]int{}
	for _, row := range rows {
		require.Equal(api.RolloutDevicePending, row.Status)
		perBatch[row.BatchNumber]++
	}
	assert.Equal(t, map[int]int{1: 1, 2: 3, 3: 3}, perBatch)
}

func TestPlanAssignsBatchesInDeviceUuidOrder(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)
	ids := seedFleet(t, st, ts, 4, "acme/edge:1.0.0")
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	policy := &api.UpdatePolicy{
		Id:            uuid.New().String(),
		Strategy:      api.RolloutStrategyStaged,
		BatchPercents: []int{50, 100},
		Enabled:       true,
	}
	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", policy)
	require.NoError(err)

	rows, err := st.Rollout().ListDevices(ctx, uuid.MustParse(rollout.Id))
	require.NoError(err)
	require.Len(rows, 4)
	batchOf := map[string]int{}
	for _, row := range rows {
		batchOf[row.DeviceUuid] = row.BatchNumber
	}
	assert.Equal(t, 1, batchOf[ids[0].String()])
	assert.Equal(t, 1, batchOf[ids[1].String()])
	assert.Equal(t, 2, batchOf[ids[2].String()])
	assert.Equal(t, 2, batchOf[ids[3].String()])
}

func TestPlanWithoutPolicyIsSingleBatch(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)
	seedFleet(t, st, ts, 5, "acme/edge:1.0.0")

	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", nil)
	require.NoError(err)
	require.NotNil(rollout)
	require.Equal(api.RolloutStrategyAuto, rollout.Strategy)
	require.Equal(1, rollout.TotalBatches)
	require.EqualValues(5, rollout.Counters.Pending)
}

func TestPlanSkipsDevicesAlreadyOnNewTag(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)

	old := seedDevice(t, st, "behind")
	seedTargetDoc(t, ts, old, "acme/edge:1.0.0")
	fresh := seedDevice(t, st, "current")
	seedTargetDoc(t, ts, fresh, "acme/edge:2.0.0")

	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", nil)
	require.NoError(err)
	require.NotNil(rollout)

	rows, err := st.Rollout().ListDevices(ctx, uuid.MustParse(rollout.Id))
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal(old.String(), rows[0].DeviceUuid)
}

func TestPlanNoAffectedDevices(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)

	// Fleet runs a different image entirely.
	id := seedDevice(t, st, "other")
	seedTargetDoc(t, ts, id, "acme/gateway:1.0.0")

	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", nil)
	require.NoError(err)
	require.Nil(rollout)

	list, err := st.Rollout().List(ctx, store.ListParams{}, store.RolloutFilter{})
	require.NoError(err)
	require.Empty(list.Items)
}

func TestPlanNoDiscoverableOldTag(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)

	// Untagged reference: the image matches but no old tag can be learned,
	// so there is nothing to roll back to and no rollout is created.
	id := seedDevice(t, st, "untagged")
	seedTargetDoc(t, ts, id, "acme/edge")

	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", nil)
	require.NoError(err)
	require.Nil(rollout)
}

func TestPlanRefusesSecondActiveRollout(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)
	seedFleet(t, st, ts, 3, "acme/edge:1.0.0")

	first, err := planner.Plan(ctx, "acme/edge", "2.0.0", nil)
	require.NoError(err)
	require.NotNil(first)

	// Even a different target tag must be refused while the first rollout
	// is still active.
	second, err := planner.Plan(ctx, "acme/edge", "2.1.0", nil)
	require.ErrorIs(err, fyerrors.ErrRolloutActive)
	require.NotNil(second)
	require.Equal(first.Id, second.Id)
}

func TestPlanAppliesPolicyDeviceFilters(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)

	eu := seedDevice(t, st, "eu-device", func(d *api.Device) { d.Fleet = "eu-west" })
	seedTargetDoc(t, ts, eu, "acme/edge:1.0.0")
	us := seedDevice(t, st, "us-device", func(d *api.Device) { d.Fleet = "us-east" })
	seedTargetDoc(t, ts, us, "acme/edge:1.0.0")

	policy := &api.UpdatePolicy{Id: uuid.New().String(), FleetId: "eu-west", Enabled: true}
	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", policy)
	require.NoError(err)
	require.NotNil(rollout)
	require.Equal(policy.Id, rollout.PolicyId)

	rows, err := st.Rollout().ListDevices(ctx, uuid.MustParse(rollout.Id))
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal(eu.String(), rows[0].DeviceUuid)
}

func TestPlanSkipsDisabledDevices(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)

	active := seedDevice(t, st, "active")
	seedTargetDoc(t, ts, active, "acme/edge:1.0.0")

	disabled := seedDevice(t, st, "disabled")
	seedTargetDoc(t, ts, disabled, "acme/edge:1.0.0")
	device, err := st.Device().Get(ctx, disabled)
	require.NoError(err)
	device.IsActive = false
	_, err = st.Device().Update(ctx, device)
	require.NoError(err)

	// A document without a registered device is skipped too.
	orphan := uuid.New()
	seedTargetDoc(t, ts, orphan, "acme/edge:1.0.0")

	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", nil)
	require.NoError(err)
	require.NotNil(rollout)

	rows, err := st.Rollout().ListDevices(ctx, uuid.MustParse(rollout.Id))
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal(active.String(), rows[0].DeviceUuid)
}

func TestPlanMatchesConfigOnlyImageLocation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)

	id := seedDevice(t, st, "config-only")
	doc := api.TargetState{
		Apps: map[string]api.App{
			"1": {
				Id: 1,
				Services: []api.Service{
					{Id: 10, Name: "app", Config: map[string]interface{}{"image": "acme/edge:1.0.0"}},
				},
			},
		},
	}
	_, err := ts.Update(ctx, id, doc)
	require.NoError(err)

	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", nil)
	require.NoError(err)
	require.NotNil(rollout)
	require.Equal("1.0.0", rollout.OldTag)
}

func TestBatchSizes(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		percents []int
		want     []int
	}{
		{name: "seven devices staged", total: 7, percents: []int{10, 50, 100}, want: []int{1, 3, 3}},
		{name: "single batch", total: 5, percents: []int{100}, want: []int{5}},
		{name: "one device elides empty leading batches", total: 1, percents: []int{10, 50, 100}, want: []int{1}},
		{name: "two devices", total: 2, percents: []int{10, 50, 100}, want: []int{1, 1}},
		{name: "zero devices", total: 0, percents: []int{10, 50, 100}, want: nil},
		{name: "even quarters", total: 8, percents: []int{25, 50, 75, 100}, want: []int{2, 2, 2, 2}},
		{name: "last batch absorbs remainder", total: 10, percents: []int{33, 66, 100}, want: []int{3, 4, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, batchSizes(tt.total, tt.percents))
		})
	}
}

func TestPercentsResolution(t *testing.T) {
	st := teststore.NewTestStore()
	planner := newTestPlanner(st)

	tests := []struct {
		name   string
		policy *api.UpdatePolicy
		want   []int
	}{
		{name: "nil policy is auto", policy: nil, want: []int{100}},
		{name: "auto strategy", policy: &api.UpdatePolicy{Strategy: api.RolloutStrategyAuto}, want: []int{100}},
		{
			name:   "explicit percents win",
			policy: &api.UpdatePolicy{Strategy: api.RolloutStrategyStaged, StagedBatches: 2, BatchPercents: []int{20, 100}},
			want:   []int{20, 100},
		},
		{
			name:   "defaults when count matches",
			policy: &api.UpdatePolicy{Strategy: api.RolloutStrategyStaged, StagedBatches: 3},
			want:   []int{10, 50, 100},
		},
		{
			name:   "defaults when count unset",
			policy: &api.UpdatePolicy{Strategy: api.RolloutStrategyStaged},
			want:   []int{10, 50, 100},
		},
		{
			name:   "even spacing otherwise",
			policy: &api.UpdatePolicy{Strategy: api.RolloutStrategyStaged, StagedBatches: 4},
			want:   []int{25, 50, 75, 100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planner.percents(tt.policy))
		})
	}
}

func TestPlanPublishesRolloutCreatedEvent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	ts := newTargetService(st)
	planner := newTestPlanner(st)
	seedFleet(t, st, ts, 2, "acme/edge:1.0.0")

	rollout, err := planner.Plan(ctx, "acme/edge", "2.0.0", nil)
	require.NoError(err)
	require.NotNil(rollout)

	list, err := st.Event().List(ctx, store.ListParams{}, store.EventFilter{Type: api.EventRolloutCreated})
	require.NoError(err)
	require.Len(list.Items, 1)
	require.Equal(rollout.Id, list.Items[0].AggregateId)
}
