package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/auth"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/rollout"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/store/teststore"
	"github.com/fleetyard/fleetyard/internal/targetstate"
	"github.com/fleetyard/fleetyard/pkg/queues"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	handler *ServiceHandler
	store   *teststore.TestStore
	targets *targetstate.Service
	planner *rollout.Planner
}

// fakeQueue stands in for the redis stream publisher on the async webhook
// path.
type fakeQueue struct {
	published [][]byte
	fail      bool
}

func (q *fakeQueue) Publish(ctx context.Context, payload []byte) error {
	if q.fail {
		return errors.New("queue unavailable")
	}
	q.published = append(q.published, payload)
	return nil
}

func (q *fakeQueue) Close() {}

func newTestEnv() *testEnv {
	return newTestEnvWithQueue(nil)
}

func newTestEnvWithQueue(queue *fakeQueue) *testEnv {
	st := teststore.NewTestStore()
	log := logrus.New()
	publisher := events.NewPublisher(st.Event(), "test", log)
	targets := targetstate.NewService(st, publisher, log)
	gate := rollout.NewGate(st.Image(), publisher, []string{"fleetyard/"}, log)
	planner := rollout.NewPlanner(st, publisher, []int{50, 100}, log)
	coordinator := rollout.NewCoordinator(st, targets, publisher, 2, log)

	var queuePub queues.Publisher
	if queue != nil {
		queuePub = queue
	}
	env := &testEnv{store: st, targets: targets, planner: planner}
	env.handler = NewServiceHandler(st, targets, gate, planner, coordinator, publisher, queuePub, bcrypt.MinCost, log)
	return env
}

func (e *testEnv) registerDevice(t *testing.T, name string) *api.DeviceWithKey {
	t.Helper()
	created, status := e.handler.RegisterDevice(context.Background(), api.Device{Name: name})
	require.EqualValues(t, 201, status.Code, status.Message)
	return created
}

// deviceCtx builds the context the auth middleware would produce for the
// given device.
func (e *testEnv) deviceCtx(t *testing.T, deviceUuid string) context.Context {
	t.Helper()
	record, err := e.store.Device().GetAuthRecord(context.Background(), uuid.MustParse(deviceUuid))
	require.NoError(t, err)
	return auth.WithDevice(context.Background(), record)
}

// seedTargetDoc writes a one-app one-service document running ref at
// app 1 / service 10.
func (e *testEnv) seedTargetDoc(t *testing.T, deviceUuid string, ref string) {
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
	_, err := e.targets.Update(context.Background(), uuid.MustParse(deviceUuid), doc)
	require.NoError(t, err)
}

// seedFleet registers n devices running ref and returns their uuids.
func (e *testEnv) seedFleet(t *testing.T, n int, ref string) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		device := e.registerDevice(t, fmt.Sprintf("device-%02d", i))
		e.seedTargetDoc(t, device.Uuid, ref)
		ids[i] = device.Uuid
	}
	return ids
}

func (e *testEnv) createEnabledPolicy(t *testing.T, name, pattern string) *api.UpdatePolicy {
	t.Helper()
	created, status := e.handler.CreatePolicy(context.Background(), api.UpdatePolicy{
		Name:          name,
		ImagePattern:  pattern,
		Strategy:      api.RolloutStrategyStaged,
		BatchPercents: []int{50, 100},
		Enabled:       true,
	})
	require.EqualValues(t, 201, status.Code, status.Message)
	return created
}

func (e *testEnv) createApprovedImage(t *testing.T, registry, name string, tags ...string) *api.Image {
	t.Helper()
	created, status := e.handler.CreateImage(context.Background(), api.Image{
		Registry: registry,
		Name:     name,
		Status:   api.ImageApproved,
	})
	require.EqualValues(t, 201, status.Code, status.Message)
	for _, tag := range tags {
		_, err := e.store.Image().UpsertTag(context.Background(), uuid.MustParse(created.Id), tag)
		require.NoError(t, err)
	}
	return created
}

// planRollout drives the planner directly, bypassing webhook intake.
func (e *testEnv) planRollout(t *testing.T, imageName, newTag string, policy *api.UpdatePolicy) *api.Rollout {
	t.Helper()
	created, err := e.planner.Plan(context.Background(), imageName, newTag, policy)
	require.NoError(t, err)
	require.NotNil(t, created)
	return created
}

func (e *testEnv) rolloutRows(t *testing.T, rolloutId string, batch *int) []store.DeviceRow {
	t.Helper()
	rows, err := e.store.Rollout().ListDeviceRows(context.Background(), uuid.MustParse(rolloutId), nil, batch)
	require.NoError(t, err)
	return rows
}

func (e *testEnv) eventCount(t *testing.T, eventType api.EventType) int {
	t.Helper()
	list, err := e.store.Event().List(context.Background(), store.ListParams{Limit: 500}, store.EventFilter{Type: eventType})
	require.NoError(t, err)
	return len(list.Items)
}
