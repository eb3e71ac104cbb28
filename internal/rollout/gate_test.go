package rollout

import (
	"context"
	"testing"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/store/teststore"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(st store.Store, internalNamespaces ...string) *Gate {
	log := logrus.New()
	return NewGate(st.Image(), events.NewPublisher(st.Event(), "test", log), internalNamespaces, log)
}

func seedImage(t *testing.T, st store.Store, name string, status api.ImageStatusType, tags ...api.ImageTag) *api.Image {
	t.Helper()
	img, err := st.Image().Create(context.Background(), &api.Image{
		Registry: "docker.io",
		Name:     name,
		Status:   status,
		Tags:     tags,
	})
	require.NoError(t, err)
	return img
}

func TestAdmitInternalNamespaceBypassesRegistry(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	gate := newTestGate(st, "fleetyard/")

	decision, err := gate.Admit(ctx, "docker.io", "fleetyard/agent", "3.1.0")
	require.NoError(err)
	require.Equal(api.AdmissionAdmit, decision.Result)

	// No approval request may be opened for an internal image.
	requests, err := st.Image().ListApprovalRequests(ctx, store.ListParams{}, "")
	require.NoError(err)
	require.Empty(requests.Items)
}

func TestAdmitInternalNamespaceGlob(t *testing.T) {
	require := require.New(t)
	st := teststore.NewTestStore()
	gate := newTestGate(st, "*/edge-core")

	decision, err := gate.Admit(context.Background(), "docker.io", "acme/edge-core", "1.0")
	require.NoError(err)
	require.Equal(api.AdmissionAdmit, decision.Result)
}

func TestAdmitUnknownImageOpensExactlyOneApprovalRequest(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	gate := newTestGate(st)

	first, err := gate.Admit(ctx, "docker.io", "acme/edge", "2.0.0")
	require.NoError(err)
	require.Equal(api.AdmissionPendingApproval, first.Result)
	require.NotEmpty(first.Reason)

	// A second push of the same unknown image must not open another request.
	second, err := gate.Admit(ctx, "docker.io", "acme/edge", "2.0.1")
	require.NoError(err)
	require.Equal(api.AdmissionPendingApproval, second.Result)

	requests, err := st.Image().ListApprovalRequests(ctx, store.ListParams{}, api.ApprovalRequestPending)
	require.NoError(err)
	require.Len(requests.Items, 1)
	assert.Equal(t, "acme/edge", requests.Items[0].ImageName)

	list, err := st.Event().List(ctx, store.ListParams{}, store.EventFilter{Type: api.EventImageApprovalRequested})
	require.NoError(err)
	assert.Len(t, list.Items, 1, "only the first sighting publishes an event")
}

func TestAdmitUnapprovedImage(t *testing.T) {
	require := require.New(t)
	st := teststore.NewTestStore()
	gate := newTestGate(st)
	seedImage(t, st, "acme/edge", api.ImagePending)

	decision, err := gate.Admit(context.Background(), "docker.io", "acme/edge", "2.0.0")
	require.NoError(err)
	require.Equal(api.AdmissionPendingApproval, decision.Result)
}

func TestAdmitDeprecatedTag(t *testing.T) {
	require := require.New(t)
	st := teststore.NewTestStore()
	gate := newTestGate(st)
	seedImage(t, st, "acme/edge", api.ImageApproved, api.ImageTag{Tag: "2.0.0", IsDeprecated: true})

	decision, err := gate.Admit(context.Background(), "docker.io", "acme/edge", "2.0.0")
	require.NoError(err)
	require.Equal(api.AdmissionDeprecated, decision.Result)
	require.Contains(decision.Reason, "deprecated")
}

func TestAdmitRegistersUnknownTagOfApprovedImage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	st := teststore.NewTestStore()
	gate := newTestGate(st)
	img := seedImage(t, st, "acme/edge", api.ImageApproved)

	decision, err := gate.Admit(ctx, "docker.io", "acme/edge", "2.0.0")
	require.NoError(err)
	require.Equal(api.AdmissionAdmit, decision.Result)

	tag, err := st.Image().GetTag(ctx, uuid.MustParse(img.Id), "2.0.0")
	require.NoError(err)
	assert.Equal(t, "2.0.0", tag.Tag)
}

func TestAdmitApprovedImageKnownTag(t *testing.T) {
	require := require.New(t)
	st := teststore.NewTestStore()
	gate := newTestGate(st)
	seedImage(t, st, "acme/edge", api.ImageApproved, api.ImageTag{Tag: "2.0.0"})

	decision, err := gate.Admit(context.Background(), "docker.io", "acme/edge", "2.0.0")
	require.NoError(err)
	require.Equal(api.AdmissionAdmit, decision.Result)
	require.Empty(decision.Reason)
}
