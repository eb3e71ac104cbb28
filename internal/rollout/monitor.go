package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/config"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/targetstate"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// nonTerminalRowStatuses are the row states that keep a batch open.
// Unhealthy is among them: without auto-rollback an unhealthy row waits for
// an admin decision.
var nonTerminalRowStatuses = []api.RolloutDeviceStatusType{
	api.RolloutDevicePending,
	api.RolloutDeviceScheduled,
	api.RolloutDeviceUpdated,
	api.RolloutDeviceUnhealthy,
}

// Monitor drives every active rollout forward one step per tick: it starts
// pending rollouts, schedules the current batch's devices, fails or reverts
// devices that never converged, triggers health evaluation, applies the
// failure-rate guard, and advances or completes batches. One rollout's
// failure never aborts the tick for the others.
//
// Exactly one Monitor runs per deployment; the caller holds the
// "rollout-monitor" advisory lock for the lifetime of the process.
type Monitor struct {
	store        store.Store
	targetStates *targetstate.Service
	evaluator    *Evaluator
	coordinator  *Coordinator
	events       *events.Publisher
	log          logrus.FieldLogger
	windows      *windowCache

	convergenceTimeout time.Duration
	offlineAfter       time.Duration
	eventRetention     time.Duration
}

func NewMonitor(
	st store.Store,
	targetStates *targetstate.Service,
	evaluator *Evaluator,
	coordinator *Coordinator,
	publisher *events.Publisher,
	cfg *config.Config,
	log logrus.FieldLogger,
) *Monitor {
	return &Monitor{
		store:              st,
		targetStates:       targetStates,
		evaluator:          evaluator,
		coordinator:        coordinator,
		events:             publisher,
		log:                log,
		windows:            newWindowCache(),
		convergenceTimeout: cfg.Rollout.ConvergenceTimeout.D(),
		offlineAfter:       cfg.Rollout.OfflineAfter.D(),
		eventRetention:     cfg.Events.Retention.D(),
	}
}

// Tick reconciles every pending and in-progress rollout.
func (m *Monitor) Tick(ctx context.Context) {
	rollouts, err := m.store.Rollout().ListByStatus(ctx, api.RolloutPending, api.RolloutInProgress)
	if err != nil {
		m.log.WithError(err).Error("failed to list active rollouts")
		return
	}
	for i := range rollouts {
		rollout := &rollouts[i]
		if err := m.reconcile(ctx, rollout); err != nil {
			m.log.WithError(err).Errorf("failed to reconcile rollout %s (%s:%s)",
				rollout.Id, rollout.ImageName, rollout.NewTag)
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context, rollout *api.Rollout) error {
	policy, err := m.policyFor(ctx, rollout)
	if err != nil {
		return err
	}
	if rollout.Status == api.RolloutPending {
		return m.maybeStart(ctx, rollout, policy)
	}
	return m.advance(ctx, rollout, policy)
}

// policyFor resolves the rollout's policy. A rollout without one, or whose
// policy was deleted after planning, proceeds with defaults.
func (m *Monitor) policyFor(ctx context.Context, rollout *api.Rollout) (*api.UpdatePolicy, error) {
	if rollout.PolicyId == "" {
		return nil, nil
	}
	policyId, err := uuid.Parse(rollout.PolicyId)
	if err != nil {
		return nil, nil
	}
	policy, err := m.store.Policy().Get(ctx, policyId)
	if errors.Is(err, fyerrors.ErrResourceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// maybeStart moves a pending rollout to in_progress. Manual rollouts wait
// for the admin start command; scheduled ones wait for their window.
func (m *Monitor) maybeStart(ctx context.Context, rollout *api.Rollout, policy *api.UpdatePolicy) error {
	if rollout.Strategy == api.RolloutStrategyManual {
		return nil
	}
	if !m.windows.open(policy, time.Now()) {
		return nil
	}
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	started, err := m.store.Rollout().Transition(ctx, rolloutId,
		[]api.RolloutStatusType{api.RolloutPending}, api.RolloutInProgress, "started")
	if errors.Is(err, fyerrors.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	m.events.Publish(ctx, api.EventRolloutStarted, api.AggregateRollout, rollout.Id, map[string]interface{}{
		"strategy": rollout.Strategy,
	})
	*rollout = *started
	return m.advance(ctx, rollout, policy)
}

func (m *Monitor) advance(ctx context.Context, rollout *api.Rollout, policy *api.UpdatePolicy) error {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	if rollout.TotalBatches < 1 || rollout.CurrentBatch > rollout.TotalBatches {
		return m.failRollout(ctx, rollout, fmt.Sprintf("invalid batch state: batch %d of %d",
			rollout.CurrentBatch, rollout.TotalBatches))
	}
	if rollout.CurrentBatch < 1 {
		if !m.windows.open(policy, time.Now()) {
			return nil
		}
		if err := m.startBatch(ctx, rollout, 1); err != nil {
			return err
		}
	}
	batch := rollout.CurrentBatch

	// Catch up any rows left pending by an earlier interrupted activation.
	if m.windows.open(policy, time.Now()) {
		if err := m.activateBatch(ctx, rollout, batch); err != nil {
			return err
		}
	}
	if err := m.expireScheduled(ctx, rollout, policy, batch); err != nil {
		return err
	}
	if err := m.checkHealth(ctx, rollout, policy, batch); err != nil {
		return err
	}
	if policy != nil && policy.AutoRollback {
		if _, err := m.coordinator.RollbackUnhealthy(ctx, rollout, &batch); err != nil {
			return err
		}
	}

	remaining, err := m.store.Rollout().ListDeviceRows(ctx, rolloutId, nonTerminalRowStatuses, &batch)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}

	// Batch complete. Re-read for fresh counters before the guard.
	fresh, err := m.store.Rollout().Get(ctx, rolloutId)
	if err != nil {
		return err
	}
	if policy != nil {
		if rate := fresh.Counters.FailureRate(); rate > policy.MaxFailureRate {
			return m.pauseRollout(ctx, fresh, fmt.Sprintf("failure rate %.2f exceeds limit %.2f",
				rate, policy.MaxFailureRate))
		}
	}

	if batch < fresh.TotalBatches {
		if fresh.Strategy == api.RolloutStrategyManual {
			return nil
		}
		if policy != nil {
			if delay := policy.BatchDelay.D(); delay > 0 && fresh.LastBatchStartedAt != nil &&
				time.Since(*fresh.LastBatchStartedAt) < delay {
				return nil
			}
		}
		if !m.windows.open(policy, time.Now()) {
			return nil
		}
		return m.startBatch(ctx, fresh, batch+1)
	}

	completed, err := m.store.Rollout().Transition(ctx, rolloutId,
		[]api.RolloutStatusType{api.RolloutInProgress}, api.RolloutCompleted, "all batches complete")
	if errors.Is(err, fyerrors.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	m.events.Publish(ctx, api.EventRolloutCompleted, api.AggregateRollout, rollout.Id, map[string]interface{}{
		"counters": completed.Counters,
	})
	m.log.Infof("rollout %s completed: %s %s -> %s", rollout.Id, rollout.ImageName, rollout.OldTag, rollout.NewTag)
	return nil
}

// startBatch moves the batch pointer and schedules the batch's devices.
func (m *Monitor) startBatch(ctx context.Context, rollout *api.Rollout, batch int) error {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := m.store.Rollout().SetCurrentBatch(ctx, rolloutId, batch, now); err != nil {
		return err
	}
	rollout.CurrentBatch = batch
	rollout.LastBatchStartedAt = &now
	m.events.Publish(ctx, api.EventRolloutBatchStarted, api.AggregateRollout, rollout.Id, map[string]interface{}{
		"batch": batch,
	})
	return m.activateBatch(ctx, rollout, batch)
}

// activateBatch rewrites the target state of every still-pending device in
// the batch and marks the rows scheduled. A version conflict leaves the row
// pending for the next tick; any other write failure fails the row.
func (m *Monitor) activateBatch(ctx context.Context, rollout *api.Rollout, batch int) error {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	rows, err := m.store.Rollout().ListDeviceRows(ctx, rolloutId,
		[]api.RolloutDeviceStatusType{api.RolloutDevicePending}, &batch)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := m.scheduleDevice(ctx, rolloutId, rollout, row); err != nil {
			m.log.WithError(err).Errorf("failed to schedule device %s in rollout %s", row.DeviceUuid, rollout.Id)
		}
	}
	return nil
}

func (m *Monitor) scheduleDevice(ctx context.Context, rolloutId uuid.UUID, rollout *api.Rollout, row store.DeviceRow) error {
	ref := rollout.ImageName + ":" + rollout.NewTag
	for _, loc := range row.Locations {
		_, _, err := m.targetStates.SetImageForService(ctx, row.DeviceId, loc.AppID, loc.ServiceID, ref)
		if err == nil {
			continue
		}
		if errors.Is(err, fyerrors.ErrUpdateConflict) {
			// Contended document; the row stays pending and the next
			// tick retries.
			return err
		}
		if _, terr := m.store.Rollout().TransitionDevice(ctx, rolloutId, row.DeviceId,
			[]api.RolloutDeviceStatusType{api.RolloutDevicePending}, api.RolloutDeviceFailed,
			store.RowUpdate{Error: err.Error()}); terr != nil {
			return terr
		}
		return err
	}
	now := time.Now().UTC()
	_, err := m.store.Rollout().TransitionDevice(ctx, rolloutId, row.DeviceId,
		[]api.RolloutDeviceStatusType{api.RolloutDevicePending}, api.RolloutDeviceScheduled,
		store.RowUpdate{ScheduledAt: &now})
	return err
}

// expireScheduled handles devices that never picked up the new target: past
// the convergence timeout the row fails, or is reverted when the policy asks
// for auto-rollback.
func (m *Monitor) expireScheduled(ctx context.Context, rollout *api.Rollout, policy *api.UpdatePolicy, batch int) error {
	timeout := m.convergenceTimeout
	if policy != nil && policy.ConvergenceTimeout.D() > 0 {
		timeout = policy.ConvergenceTimeout.D()
	}
	if timeout <= 0 {
		return nil
	}
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	rows, err := m.store.Rollout().ListDeviceRows(ctx, rolloutId,
		[]api.RolloutDeviceStatusType{api.RolloutDeviceScheduled}, &batch)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if row.ScheduledAt == nil || now.Sub(*row.ScheduledAt) < timeout {
			continue
		}
		if policy != nil && policy.AutoRollback {
			if err := m.coordinator.RollbackDevice(ctx, rollout, row); err != nil {
				m.log.WithError(err).Errorf("failed to revert timed out device %s in rollout %s",
					row.DeviceUuid, rollout.Id)
			}
			continue
		}
		if _, err := m.store.Rollout().TransitionDevice(ctx, rolloutId, row.DeviceId,
			[]api.RolloutDeviceStatusType{api.RolloutDeviceScheduled}, api.RolloutDeviceFailed,
			store.RowUpdate{Error: "convergence timeout"}); err != nil {
			return err
		}
	}
	return nil
}

// checkHealth probes updated rows, or promotes them straight to healthy when
// the policy carries no check.
func (m *Monitor) checkHealth(ctx context.Context, rollout *api.Rollout, policy *api.UpdatePolicy, batch int) error {
	var spec api.HealthCheckSpec
	if policy != nil && policy.HealthCheck != nil {
		spec = *policy.HealthCheck
	}
	if spec.Type == "" || spec.Type == api.HealthCheckNone {
		rolloutId, err := uuid.Parse(rollout.Id)
		if err != nil {
			return err
		}
		_, err = m.store.Rollout().TransitionDevices(ctx, rolloutId,
			[]api.RolloutDeviceStatusType{api.RolloutDeviceUpdated}, api.RolloutDeviceHealthy, store.RowUpdate{})
		return err
	}
	return m.evaluator.Evaluate(ctx, rollout, spec, &batch)
}

func (m *Monitor) pauseRollout(ctx context.Context, rollout *api.Rollout, reason string) error {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	paused, err := m.store.Rollout().Transition(ctx, rolloutId,
		[]api.RolloutStatusType{api.RolloutInProgress}, api.RolloutPaused, reason)
	if errors.Is(err, fyerrors.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	m.events.Publish(ctx, api.EventRolloutPaused, api.AggregateRollout, rollout.Id, map[string]interface{}{
		"reason": reason,
	})
	m.log.Warnf("rollout %s paused: %s", paused.Id, reason)
	return nil
}

func (m *Monitor) failRollout(ctx context.Context, rollout *api.Rollout, reason string) error {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	failed, err := m.store.Rollout().Transition(ctx, rolloutId,
		[]api.RolloutStatusType{api.RolloutPending, api.RolloutInProgress}, api.RolloutFailed, reason)
	if errors.Is(err, fyerrors.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	m.events.Publish(ctx, api.EventRolloutFailed, api.AggregateRollout, failed.Id, map[string]interface{}{
		"reason": reason,
	})
	m.log.Errorf("rollout %s failed: %s", failed.Id, reason)
	return nil
}

// MarkOffline flips devices that stopped polling to offline and emits a
// device.offline event for each.
func (m *Monitor) MarkOffline(ctx context.Context) {
	if m.offlineAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.offlineAfter)
	devices, err := m.store.Device().MarkDisconnected(ctx, cutoff)
	if err != nil {
		m.log.WithError(err).Error("failed to mark disconnected devices")
		return
	}
	for i := range devices {
		device := &devices[i]
		m.events.Publish(ctx, api.EventDeviceOffline, api.AggregateDevice, device.Uuid, map[string]interface{}{
			"lastSeen": device.LastSeen,
		})
	}
	if len(devices) > 0 {
		m.log.Infof("marked %d devices offline", len(devices))
	}
}

// PruneEvents enforces the event retention window.
func (m *Monitor) PruneEvents(ctx context.Context) {
	if m.eventRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.eventRetention)
	deleted, err := m.store.Event().DeleteOlderThan(ctx, cutoff)
	if err != nil {
		m.log.WithError(err).Error("failed to prune events")
		return
	}
	if deleted > 0 {
		m.log.Infof("pruned %d events older than %s", deleted, cutoff.Format(time.RFC3339))
	}
}
