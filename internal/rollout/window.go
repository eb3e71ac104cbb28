package rollout

import (
	"sync"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/robfig/cron/v3"
)

const defaultWindowDuration = time.Hour

// windowCache answers whether a policy's maintenance window is currently
// open. Parsed cron schedules are cached by expression.
type windowCache struct {
	mu        sync.Mutex
	schedules map[string]cron.Schedule
}

func newWindowCache() *windowCache {
	return &windowCache{schedules: make(map[string]cron.Schedule)}
}

// open reports whether batch activation is allowed at now. A policy without
// a schedule is always open; a malformed schedule is treated as closed so a
// typo cannot bypass the window.
func (w *windowCache) open(policy *api.UpdatePolicy, now time.Time) bool {
	if policy == nil || policy.Schedule == "" {
		return true
	}
	sched, err := w.schedule(policy.Schedule)
	if err != nil {
		return false
	}
	duration := policy.ScheduleDuration.D()
	if duration <= 0 {
		duration = defaultWindowDuration
	}
	// The window is open iff some activation happened within the last
	// `duration`. cron only walks forward, so probe from the window start.
	// Next returns the zero time for schedules that never fire.
	activation := sched.Next(now.Add(-duration))
	if activation.IsZero() {
		return false
	}
	return !activation.After(now)
}

func (w *windowCache) schedule(expr string) (cron.Schedule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sched, ok := w.schedules[expr]; ok {
		return sched, nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	w.schedules[expr] = sched
	return sched, nil
}
