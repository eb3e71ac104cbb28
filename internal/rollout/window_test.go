package rollout

import (
	"testing"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/util"
	"github.com/stretchr/testify/assert"
)

func TestWindowOpenWithoutSchedule(t *testing.T) {
	w := newWindowCache()
	now := time.Now()
	assert.True(t, w.open(nil, now))
	assert.True(t, w.open(&api.UpdatePolicy{}, now))
}

func TestWindowOpenDuringMaintenanceWindow(t *testing.T) {
	w := newWindowCache()
	// Nightly window at 02:00 UTC for two hours.
	policy := &api.UpdatePolicy{
		Schedule:         "0 2 * * *",
		ScheduleDuration: util.Duration(2 * time.Hour),
	}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "just before", now: time.Date(2026, 3, 10, 1, 59, 0, 0, time.UTC), want: false},
		{name: "at activation", now: time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), want: true},
		{name: "mid window", now: time.Date(2026, 3, 10, 3, 15, 0, 0, time.UTC), want: true},
		{name: "after close", now: time.Date(2026, 3, 10, 4, 1, 0, 0, time.UTC), want: false},
		{name: "next day reopens", now: time.Date(2026, 3, 11, 2, 30, 0, 0, time.UTC), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.open(policy, tt.now))
		})
	}
}

func TestWindowDefaultDurationIsOneHour(t *testing.T) {
	w := newWindowCache()
	policy := &api.UpdatePolicy{Schedule: "0 2 * * *"}

	assert.True(t, w.open(policy, time.Date(2026, 3, 10, 2, 59, 0, 0, time.UTC)))
	assert.False(t, w.open(policy, time.Date(2026, 3, 10, 3, 1, 0, 0, time.UTC)))
}

func TestWindowMalformedScheduleStaysClosed(t *testing.T) {
	w := newWindowCache()
	policy := &api.UpdatePolicy{Schedule: "not a cron line"}
	assert.False(t, w.open(policy, time.Now()))
}

func TestWindowScheduleThatNeverFiresStaysClosed(t *testing.T) {
	w := newWindowCache()
	// February 31st does not exist; the schedule parses but never activates.
	policy := &api.UpdatePolicy{Schedule: "0 0 31 2 *"}
	assert.False(t, w.open(policy, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)))
}
