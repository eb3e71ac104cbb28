package service

import (
	"context"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/auth"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
)

// PollTargetState serves a device's reconciliation poll. The returned etag
// is set on both the 200 and 304 paths so clients can always refresh their
// validator.
func (h *ServiceHandler) PollTargetState(ctx context.Context, deviceUuid string, ifNoneMatch string) (api.DeviceStateDocument, string, api.Status) {
	record, ok := auth.DeviceFromContext(ctx)
	if !ok {
		return nil, "", api.StatusUnauthorized("no authenticated device")
	}
	if record.DeviceUuid.String() != deviceUuid {
		return nil, "", api.StatusForbidden("key does not belong to the requested device")
	}

	h.markSeen(ctx, record.DeviceUuid)

	info, err := h.targetStates.Get(ctx, record.DeviceUuid)
	if err != nil {
		return nil, "", StoreErrorToApiStatus(err, false, "TargetState", deviceUuid)
	}
	if ifNoneMatch != "" && ifNoneMatch == info.Etag {
		return nil, info.Etag, api.StatusNotModified()
	}
	return api.DeviceStateDocument{deviceUuid: info.TargetState}, info.Etag, api.StatusOK()
}

// ReportCurrentState stores a device self-report. Reports without an apps
// section update only system info; stored apps are preserved. A report that
// shows a scheduled rollout's new tag settles that rollout row to updated.
func (h *ServiceHandler) ReportCurrentState(ctx context.Context, report api.DeviceStateReport) (*api.CurrentStateInfo, api.Status) {
	record, ok := auth.DeviceFromContext(ctx)
	if !ok {
		return nil, api.StatusUnauthorized("no authenticated device")
	}
	if len(report) != 1 {
		return nil, api.StatusBadRequest("report must contain exactly one device entry")
	}
	var reported api.CurrentState
	for key, state := range report {
		if key != record.DeviceUuid.String() {
			return nil, api.StatusForbidden("key does not belong to the reported device")
		}
		reported = state
	}

	info, err := h.store.CurrentState().Upsert(ctx, record.DeviceUuid, reported.Apps, reported.SystemInfo, time.Now())
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.DeviceKind, record.DeviceUuid.String())
	}

	h.markSeen(ctx, record.DeviceUuid)
	if len(reported.Apps) > 0 {
		h.settleScheduledRollouts(ctx, record.DeviceUuid, reported.Apps)
	}
	return info, api.StatusOK()
}

// markSeen records polling activity and emits device.online when the device
// had been offline. Failures are logged, not surfaced; liveness bookkeeping
// never fails a device request.
func (h *ServiceHandler) markSeen(ctx context.Context, deviceUuid uuid.UUID) {
	priorSeen, wasOffline, err := h.store.Device().MarkSeen(ctx, deviceUuid, time.Now())
	if err != nil {
		h.log.WithError(err).Warnf("failed to mark device %s seen", deviceUuid)
		return
	}
	if wasOffline {
		details := map[string]interface{}{}
		if priorSeen != nil {
			details["offlineFor"] = time.Since(*priorSeen).String()
		}
		h.events.Publish(ctx, api.EventDeviceOnline, api.AggregateDevice, deviceUuid.String(), details)
	}
}

// settleScheduledRollouts is the device half of rollout convergence: for
// every scheduled row waiting on this device, a report showing the new tag
// moves the row to updated. The guarded transition makes retried reports
// idempotent.
func (h *ServiceHandler) settleScheduledRollouts(ctx context.Context, deviceUuid uuid.UUID, apps map[string]api.AppStatus) {
	targets, err := h.store.Rollout().ListScheduledForDevice(ctx, deviceUuid)
	if err != nil {
		h.log.WithError(err).Warnf("failed to list scheduled rollouts for device %s", deviceUuid)
		return
	}

	for _, target := range targets {
		ref := target.ImageName + ":" + target.NewTag
		if !reportShowsImage(apps, ref) {
			continue
		}
		now := time.Now()
		moved, err := h.store.Rollout().TransitionDevice(ctx, target.RolloutId, deviceUuid,
			[]api.RolloutDeviceStatusType{api.RolloutDeviceScheduled}, api.RolloutDeviceUpdated,
			store.RowUpdate{ConvergedAt: &now})
		if err != nil {
			h.log.WithError(err).Warnf("failed to settle rollout %s row for device %s", target.RolloutId, deviceUuid)
			continue
		}
		if moved {
			h.log.Infof("device %s converged on %s for rollout %s", deviceUuid, ref, target.RolloutId)
		}
	}
}

func reportShowsImage(apps map[string]api.AppStatus, ref string) bool {
	for _, app := range apps {
		for _, svc := range app.Services {
			if svc.Image == ref {
				return true
			}
		}
	}
	return false
}
