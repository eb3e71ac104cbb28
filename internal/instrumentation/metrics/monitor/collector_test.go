package monitor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetyard/fleetyard/internal/instrumentation/metrics"
	"github.com/fleetyard/fleetyard/pkg/queues"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockQueuesProvider struct {
	healthCheckError error
}

var _ queues.Provider = (*mockQueuesProvider)(nil)

func (m *mockQueuesProvider) NewConsumer(ctx context.Context, queueName string) (queues.Consumer, error) {
	return nil, nil
}

func (m *mockQueuesProvider) NewPublisher(ctx context.Context, queueName string) (queues.Publisher, error) {
	return nil, nil
}

func (m *mockQueuesProvider) Stop() {}

func (m *mockQueuesProvider) Wait() {}

func (m *mockQueuesProvider) CheckHealth(ctx context.Context) error {
	return m.healthCheckError
}

func TestCollectorCounterValues(t *testing.T) {
	collector := NewCollector(context.Background(), logrus.New(), &mockQueuesProvider{})
	assert.Equal(t, "monitor", collector.MetricsName())

	collector.ObserveTick(10 * time.Millisecond)
	collector.ObserveTick(20 * time.Millisecond)
	collector.IncWebhooksProcessed("success")
	collector.IncWebhooksProcessed("success")
	collector.IncWebhooksProcessed("failure")
	collector.SetRedisConnectionStatus(true)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))
	families, err := registry.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		switch *mf.Name {
		case "fleetyard_monitor_ticks_total":
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, 2.0, *mf.Metric[0].Counter.Value)
		case "fleetyard_monitor_tick_duration_seconds":
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, uint64(2), *mf.Metric[0].Histogram.SampleCount)
			assert.Greater(t, *mf.Metric[0].Histogram.SampleSum, 0.0)
		case "fleetyard_monitor_webhooks_processed_total":
			assert.Len(t, mf.Metric, 2)
			for _, m := range mf.Metric {
				switch getLabelValue(m.Label, "status") {
				case "success":
					assert.Equal(t, 2.0, *m.Counter.Value)
				case "failure":
					assert.Equal(t, 1.0, *m.Counter.Value)
				}
			}
		case "fleetyard_monitor_redis_up":
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, 1.0, *mf.Metric[0].Gauge.Value)
		}
	}
}

func TestCollectorHTTPEndpoint(t *testing.T) {
	collector := NewCollector(context.Background(), logrus.New(), nil)
	collector.ObserveTick(5 * time.Millisecond)
	collector.IncWebhooksProcessed("success")

	ts := httptest.NewServer(metrics.NewHandler(collector))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	bodyStr := string(body)

	assert.Contains(t, bodyStr, "fleetyard_monitor_ticks_total 1")
	assert.Contains(t, bodyStr, `fleetyard_monitor_webhooks_processed_total{status="success"} 1`)
}

func getLabelValue(labels []*dto.LabelPair, name string) string {
	for _, label := range labels {
		if *label.Name == name {
			return *label.Value
		}
	}
	return ""
}
