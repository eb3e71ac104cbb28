// Package monitor holds the metrics collector for the rollout monitor binary.
package monitor

import (
	"context"
	"time"

	"github.com/fleetyard/fleetyard/pkg/queues"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const queueHealthInterval = 10 * time.Second

// Collector implements NamedCollector and gathers monitor loop metrics. The
// update methods are called from the monitor's tick and consume loops.
type Collector struct {
	ticksCounter        prometheus.Counter
	tickDurationHist    prometheus.Histogram
	webhooksCounter     *prometheus.CounterVec
	redisUpGauge        prometheus.Gauge
	lastSuccessfulGauge prometheus.Gauge

	log            logrus.FieldLogger
	ctx            context.Context
	queuesProvider queues.Provider
}

// NewCollector creates a Collector. When a queues provider is given its
// health is probed in the background and reported as a gauge.
func NewCollector(ctx context.Context, log logrus.FieldLogger, queuesProvider queues.Provider) *Collector {
	collector := &Collector{
		ticksCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetyard_monitor_ticks_total",
			Help: "Total number of monitor reconciliation ticks",
		}),
		tickDurationHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetyard_monitor_tick_duration_seconds",
			Help:    "Histogram of reconciliation tick time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		webhooksCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetyard_monitor_webhooks_processed_total",
			Help: "Total number of queued webhook events processed by outcome",
		}, []string{"status"}),
		redisUpGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetyard_monitor_redis_up",
			Help: "Redis connection up (1) or down (0)",
		}),
		lastSuccessfulGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetyard_monitor_last_successful_tick_timestamp_seconds",
			Help: "Unix timestamp (seconds) of the last completed tick",
		}),

		log:            log,
		ctx:            ctx,
		queuesProvider: queuesProvider,
	}

	if queuesProvider != nil {
		go collector.monitorQueueHealth()
	}

	return collector
}

func (c *Collector) MetricsName() string {
	return "monitor"
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.ticksCounter.Describe(ch)
	c.tickDurationHist.Describe(ch)
	c.webhooksCounter.Describe(ch)
	c.redisUpGauge.Describe(ch)
	c.lastSuccessfulGauge.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.ticksCounter.Collect(ch)
	c.tickDurationHist.Collect(ch)
	c.webhooksCounter.Collect(ch)
	c.redisUpGauge.Collect(ch)
	c.lastSuccessfulGauge.Collect(ch)
}

// Metric update methods called by the monitor loops.

func (c *Collector) ObserveTick(duration time.Duration) {
	c.ticksCounter.Inc()
	c.tickDurationHist.Observe(duration.Seconds())
	c.lastSuccessfulGauge.Set(float64(time.Now().Unix()))
}

func (c *Collector) IncWebhooksProcessed(status string) {
	c.webhooksCounter.WithLabelValues(status).Inc()
}

func (c *Collector) SetRedisConnectionStatus(connected bool) {
	if connected {
		c.redisUpGauge.Set(1)
	} else {
		c.redisUpGauge.Set(0)
	}
}

func (c *Collector) monitorQueueHealth() {
	ticker := time.NewTicker(queueHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			hcCtx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
			err := c.queuesProvider.CheckHealth(hcCtx)
			cancel()
			if err != nil {
				c.SetRedisConnectionStatus(false)
				c.log.WithError(err).Warn("Redis connection health check failed")
			} else {
				c.SetRedisConnectionStatus(true)
			}
		}
	}
}
