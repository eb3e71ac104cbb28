// Package domain holds collectors that sample store aggregates on a ticker,
// so scrapes never touch the database directly.
package domain

import (
	"context"
	"sync"
	"time"

	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultSampleInterval = 30 * time.Second

// RolloutCollector implements NamedCollector and gathers rollout totals
// grouped by status.
type RolloutCollector struct {
	rolloutsGauge *prometheus.GaugeVec

	store    store.Store
	log      logrus.FieldLogger
	mu       sync.RWMutex
	ctx      context.Context
	interval time.Duration
}

// NewRolloutCollector creates a RolloutCollector. An interval of 0 defaults to 30s.
func NewRolloutCollector(ctx context.Context, st store.Store, log logrus.FieldLogger, interval time.Duration) *RolloutCollector {
	if interval <= 0 {
		interval = defaultSampleInterval
	}

	collector := &RolloutCollector{
		rolloutsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetyard_rollouts",
			Help: "Total number of rollouts by status",
		}, []string{"status"}),
		store:    st,
		log:      log,
		ctx:      ctx,
		interval: interval,
	}

	collector.update() // immediate update
	go collector.sample()

	return collector
}

func (c *RolloutCollector) MetricsName() string {
	return "rollout"
}

func (c *RolloutCollector) Describe(ch chan<- *prometheus.Desc) {
	c.rolloutsGauge.Describe(ch)
}

func (c *RolloutCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.rolloutsGauge.Collect(ch)
}

func (c *RolloutCollector) sample() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.update()
		}
	}
}

func (c *RolloutCollector) update() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	counts, err := c.store.Rollout().CountByStatus(ctx)
	if err != nil {
		c.log.WithError(err).Error("Failed to get rollout status counts")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rolloutsGauge.Reset()
	for _, r := range counts {
		status := r.Status
		if status == "" {
			status = "unknown"
		}
		c.rolloutsGauge.WithLabelValues(status).Set(float64(r.Count))
	}
}
