package domain

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// DeviceCollector implements NamedCollector and gathers device totals grouped
// by fleet and online state.
type DeviceCollector struct {
	devicesGauge *prometheus.GaugeVec

	store    store.Store
	log      logrus.FieldLogger
	mu       sync.RWMutex
	ctx      context.Context
	interval time.Duration
}

// NewDeviceCollector creates a DeviceCollector. An interval of 0 defaults to 30s.
func NewDeviceCollector(ctx context.Context, st store.Store, log logrus.FieldLogger, interval time.Duration) *DeviceCollector {
	if interval <= 0 {
		interval = defaultSampleInterval
	}

	collector := &DeviceCollector{
		devicesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetyard_devices",
			Help: "Total number of devices by fleet and online state",
		}, []string{"fleet", "online"}),
		store:    st,
		log:      log,
		ctx:      ctx,
		interval: interval,
	}

	collector.update() // immediate update
	go collector.sample()

	return collector
}

func (c *DeviceCollector) MetricsName() string {
	return "device"
}

func (c *DeviceCollector) Describe(ch chan<- *prometheus.Desc) {
	c.devicesGauge.Describe(ch)
}

func (c *DeviceCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.devicesGauge.Collect(ch)
}

func (c *DeviceCollector) sample() {
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

func (c *DeviceCollector) update() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	counts, err := c.store.Device().CountByFleet(ctx)
	if err != nil {
		c.log.WithError(err).Error("Failed to get device fleet counts")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.devicesGauge.Reset()
	for _, r := range counts {
		fleet := r.Fleet
		if fleet == "" {
			fleet = "unknown"
		}
		c.devicesGauge.WithLabelValues(fleet, strconv.FormatBool(r.IsOnline)).Set(float64(r.Count))
	}
}
