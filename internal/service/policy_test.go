package service

import (
	"context"
	"testing"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePolicyDefaultsStrategy(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()

	created, status := env.handler.CreatePolicy(context.Background(), api.UpdatePolicy{
		Name:         "edge",
		ImagePattern: "acme/edge:*",
	})
	require.EqualValues(201, status.Code)
	require.Equal(api.RolloutStrategyStaged, created.Strategy)
	require.NotEmpty(created.Id)
}

func TestCreatePolicyValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	tests := []struct {
		name    string
		policy  api.UpdatePolicy
		wantErr string
	}{
		{
			name:    "missing name",
			policy:  api.UpdatePolicy{ImagePattern: "acme/*"},
			wantErr: "name is required",
		},
		{
			name:    "missing pattern",
			policy:  api.UpdatePolicy{Name: "p"},
			wantErr: "imagePattern is required",
		},
		{
			name:    "malformed pattern",
			policy:  api.UpdatePolicy{Name: "p", ImagePattern: "acme/[edge:*"},
			wantErr: "imagePattern",
		},
		{
			name:    "unknown strategy",
			policy:  api.UpdatePolicy{Name: "p", ImagePattern: "acme/*", Strategy: "yolo"},
			wantErr: "unknown strategy",
		},
		{
			name: "percents not increasing",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*", BatchPercents: []int{50, 30, 100},
			},
			wantErr: "strictly increasing",
		},
		{
			name: "percents not ending at 100",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*", BatchPercents: []int{10, 50},
			},
			wantErr: "last batch percent",
		},
		{
			name: "percents length mismatch",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*", StagedBatches: 3, BatchPercents: []int{50, 100},
			},
			wantErr: "stagedBatches is 3",
		},
		{
			name: "failure rate out of range",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*", MaxFailureRate: 1.5,
			},
			wantErr: "maxFailureRate",
		},
		{
			name: "malformed schedule",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*", Schedule: "every day at noon",
			},
			wantErr: "schedule",
		},
		{
			name: "http check without url",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*",
				HealthCheck: &api.HealthCheckSpec{Type: api.HealthCheckHttp},
			},
			wantErr: "url is required",
		},
		{
			name: "tcp check without port",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*",
				HealthCheck: &api.HealthCheckSpec{Type: api.HealthCheckTcp},
			},
			wantErr: "port is required",
		},
		{
			name: "container check without container",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*",
				HealthCheck: &api.HealthCheckSpec{Type: api.HealthCheckContainer},
			},
			wantErr: "container is required",
		},
		{
			name: "unknown check type",
			policy: api.UpdatePolicy{
				Name: "p", ImagePattern: "acme/*",
				HealthCheck: &api.HealthCheckSpec{Type: "carrier-pigeon"},
			},
			wantErr: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, status := env.handler.CreatePolicy(ctx, tt.policy)
			require.EqualValues(t, 400, status.Code)
			assert.Contains(t, status.Message, tt.wantErr)
		})
	}
}

func TestCreatePolicyCollectsAllErrors(t *testing.T) {
	env := newTestEnv()

	_, status := env.handler.CreatePolicy(context.Background(), api.UpdatePolicy{
		MaxFailureRate: -1,
		Schedule:       "nope",
	})
	require.EqualValues(t, 400, status.Code)
	assert.Contains(t, status.Message, "name is required")
	assert.Contains(t, status.Message, "imagePattern is required")
	assert.Contains(t, status.Message, "maxFailureRate")
	assert.Contains(t, status.Message, "schedule")
}

func TestCreatePolicyAcceptsFullSpec(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()

	created, status := env.handler.CreatePolicy(context.Background(), api.UpdatePolicy{
		Name:               "edge-nightly",
		ImagePattern:       "acme/edge:*",
		Strategy:           api.RolloutStrategyScheduled,
		StagedBatches:      3,
		BatchPercents:      []int{10, 50, 100},
		BatchDelay:         util.Duration(10 * time.Minute),
		ConvergenceTimeout: util.Duration(30 * time.Minute),
		MaxFailureRate:     0.2,
		AutoRollback:       true,
		Schedule:           "0 2 * * *",
		ScheduleDuration:   util.Duration(2 * time.Hour),
		HealthCheck: &api.HealthCheckSpec{
			Type:             api.HealthCheckHttp,
			Url:              "http://{device_ip}:8080/healthz",
			ExpectedStatuses: []int{200, 204},
			Timeout:          util.Duration(5 * time.Second),
		},
		Enabled: true,
	})
	require.EqualValues(201, status.Code)
	require.Equal([]int{10, 50, 100}, created.BatchPercents)
	require.True(created.AutoRollback)
}

func TestUpdatePolicy(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	created := env.createEnabledPolicy(t, "edge", "acme/edge:*")

	updated, status := env.handler.UpdatePolicy(ctx, created.Id, api.UpdatePolicy{
		Name:          "edge",
		ImagePattern:  "acme/edge:*",
		Strategy:      api.RolloutStrategyManual,
		BatchPercents: []int{25, 100},
		Enabled:       false,
	})
	require.EqualValues(200, status.Code)
	require.Equal(api.RolloutStrategyManual, updated.Strategy)
	require.False(updated.Enabled)

	_, status = env.handler.UpdatePolicy(ctx, created.Id, api.UpdatePolicy{Name: "edge"})
	require.EqualValues(400, status.Code)

	_, status = env.handler.UpdatePolicy(ctx, uuid.New().String(), api.UpdatePolicy{
		Name: "ghost", ImagePattern: "x/*",
	})
	require.EqualValues(404, status.Code)
}

func TestDeletePolicy(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	created := env.createEnabledPolicy(t, "edge", "acme/edge:*")

	status := env.handler.DeletePolicy(ctx, created.Id)
	require.EqualValues(204, status.Code)

	_, status = env.handler.GetPolicy(ctx, created.Id)
	require.EqualValues(404, status.Code)
}

func TestListPolicies(t *testing.T) {
	require := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	env.createEnabledPolicy(t, "edge", "acme/edge:*")
	env.createEnabledPolicy(t, "sensors", "acme/sensor-*:*")

	list, status := env.handler.ListPolicies(ctx, nil, 0)
	require.EqualValues(200, status.Code)
	require.Len(list.Items, 2)

	list, status = env.handler.ListPolicies(ctx, nil, 1)
	require.EqualValues(200, status.Code)
	require.Len(list.Items, 1)
	require.NotNil(list.Metadata.Continue)
}
