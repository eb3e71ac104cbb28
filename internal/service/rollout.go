package service

import (
	"context"
	"fmt"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
)

type ListRolloutsParams struct {
	Continue *string
	Limit    int
	Status   string
	Image    string
}

// activatedRowStatuses are the row states a single-device rollback accepts:
// the device's document has been rewritten and can be restored.
var activatedRowStatuses = map[api.RolloutDeviceStatusType]bool{
	api.RolloutDeviceScheduled: true,
	api.RolloutDeviceUpdated:   true,
	api.RolloutDeviceHealthy:   true,
	api.RolloutDeviceUnhealthy: true,
}

func (h *ServiceHandler) ListRollouts(ctx context.Context, params ListRolloutsParams) (*api.RolloutList, api.Status) {
	listParams, status := prepareListParams(params.Continue, params.Limit)
	if !api.IsStatusSuccessful(&status) {
		return nil, status
	}
	filter := store.RolloutFilter{
		Status:    api.RolloutStatusType(params.Status),
		ImageName: params.Image,
	}
	result, err := h.store.Rollout().List(ctx, listParams, filter)
	return result, StoreErrorToApiStatus(err, false, api.RolloutKind, "")
}

func (h *ServiceHandler) GetRollout(ctx context.Context, rolloutId string) (*api.Rollout, api.Status) {
	id, err := uuid.Parse(rolloutId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed rollout id")
	}
	result, err := h.store.Rollout().Get(ctx, id)
	return result, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId)
}

// GetRolloutDetail returns the rollout with its device rows and recent
// events, newest first.
func (h *ServiceHandler) GetRolloutDetail(ctx context.Context, rolloutId string) (*api.RolloutDetail, api.Status) {
	id, err := uuid.Parse(rolloutId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed rollout id")
	}
	rollout, err := h.store.Rollout().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId)
	}
	devices, err := h.store.Rollout().ListDevices(ctx, id)
	if err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}
	eventList, err := h.store.Event().List(ctx, store.ListParams{Limit: 50}, store.EventFilter{
		AggregateType: api.AggregateRollout,
		AggregateId:   rolloutId,
	})
	if err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}
	return &api.RolloutDetail{Rollout: *rollout, Devices: devices, Events: eventList.Items}, api.StatusOK()
}

// ExecuteRolloutOp runs one admin rollout operation. Operations are
// synchronous guarded transitions: a concurrent monitor tick and an admin
// op settle on exactly one winner, and the loser reports a conflict.
func (h *ServiceHandler) ExecuteRolloutOp(ctx context.Context, rolloutId string, op api.RolloutOp, command api.RolloutCommand) (*api.Rollout, api.Status) {
	id, err := uuid.Parse(rolloutId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed rollout id")
	}
	rollout, err := h.store.Rollout().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId)
	}

	reason := command.Reason
	switch op {
	case api.RolloutOpStart:
		if reason == "" {
			reason = "started by operator"
		}
		updated, err := h.store.Rollout().Transition(ctx, id,
			[]api.RolloutStatusType{api.RolloutPending}, api.RolloutInProgress, reason)
		if err != nil {
			return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId)
		}
		h.events.Publish(ctx, api.EventRolloutStarted, api.AggregateRollout, rolloutId, map[string]interface{}{
			"strategy": updated.Strategy,
		})
		return updated, api.StatusOK()

	case api.RolloutOpPause:
		if reason == "" {
			reason = "paused by operator"
		}
		updated, err := h.store.Rollout().Transition(ctx, id,
			[]api.RolloutStatusType{api.RolloutPending, api.RolloutInProgress}, api.RolloutPaused, reason)
		if err != nil {
			return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId)
		}
		h.events.Publish(ctx, api.EventRolloutPaused, api.AggregateRollout, rolloutId, map[string]interface{}{
			"reason": reason,
		})
		return updated, api.StatusOK()

	case api.RolloutOpResume:
		if reason == "" {
			reason = "resumed by operator"
		}
		updated, err := h.store.Rollout().Transition(ctx, id,
			[]api.RolloutStatusType{api.RolloutPaused}, api.RolloutInProgress, reason)
		if err != nil {
			return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId)
		}
		h.events.Publish(ctx, api.EventRolloutResumed, api.AggregateRollout, rolloutId, nil)
		return updated, api.StatusOK()

	case api.RolloutOpCancel:
		return h.cancelRollout(ctx, id, reason)

	case api.RolloutOpRollbackAll:
		if reason == "" {
			reason = "operator request"
		}
		updated, err := h.coordinator.RollbackRollout(ctx, rollout, reason)
		if err != nil {
			return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId)
		}
		return updated, api.StatusOK()

	case api.RolloutOpNextBatch:
		return h.advanceBatch(ctx, rollout)

	default:
		return nil, api.StatusBadRequest(fmt.Sprintf("unknown rollout operation %q", op))
	}
}

// cancelRollout stops driving the rollout and skips every row that has not
// reached a terminal state. Devices already updated keep the new tag;
// cancel never reverts documents.
func (h *ServiceHandler) cancelRollout(ctx context.Context, rolloutId uuid.UUID, reason string) (*api.Rollout, api.Status) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	_, err := h.store.Rollout().Transition(ctx, rolloutId,
		[]api.RolloutStatusType{api.RolloutPending, api.RolloutInProgress, api.RolloutPaused},
		api.RolloutCancelled, reason)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId.String())
	}
	if _, err := h.store.Rollout().TransitionDevices(ctx, rolloutId,
		[]api.RolloutDeviceStatusType{
			api.RolloutDevicePending,
			api.RolloutDeviceScheduled,
			api.RolloutDeviceUpdated,
			api.RolloutDeviceUnhealthy,
		}, api.RolloutDeviceSkipped, store.RowUpdate{}); err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}
	h.events.Publish(ctx, api.EventRolloutCancelled, api.AggregateRollout, rolloutId.String(), map[string]interface{}{
		"reason": reason,
	})
	updated, err := h.store.Rollout().Get(ctx, rolloutId)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId.String())
	}
	return updated, api.StatusOK()
}

// advanceBatch opens the next batch of a manual rollout. The current batch
// must be settled; activation of the freshly exposed pending rows is the
// monitor's job on its next tick.
func (h *ServiceHandler) advanceBatch(ctx context.Context, rollout *api.Rollout) (*api.Rollout, api.Status) {
	if rollout.Status != api.RolloutInProgress {
		return nil, api.StatusInvalidTransition(fmt.Sprintf("rollout is %s, not in_progress", rollout.Status))
	}
	if rollout.CurrentBatch >= rollout.TotalBatches {
		return nil, api.StatusInvalidTransition("rollout is already on its last batch")
	}
	rolloutId := uuid.MustParse(rollout.Id)
	open, err := h.store.Rollout().ListDeviceRows(ctx, rolloutId,
		[]api.RolloutDeviceStatusType{
			api.RolloutDevicePending,
			api.RolloutDeviceScheduled,
			api.RolloutDeviceUpdated,
			api.RolloutDeviceUnhealthy,
		}, &rollout.CurrentBatch)
	if err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}
	if len(open) > 0 {
		return nil, api.StatusConflict(fmt.Sprintf("batch %d still has %d unsettled devices", rollout.CurrentBatch, len(open)))
	}

	next := rollout.CurrentBatch + 1
	if err := h.store.Rollout().SetCurrentBatch(ctx, rolloutId, next, time.Now().UTC()); err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rollout.Id)
	}
	h.events.Publish(ctx, api.EventRolloutBatchStarted, api.AggregateRollout, rollout.Id, map[string]interface{}{
		"batch": next,
	})
	updated, err := h.store.Rollout().Get(ctx, rolloutId)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rollout.Id)
	}
	return updated, api.StatusOK()
}

// RollbackRolloutDevice reverts a single device within a rollout.
func (h *ServiceHandler) RollbackRolloutDevice(ctx context.Context, rolloutId string, deviceUuid string) (*api.RolloutDevice, api.Status) {
	id, err := uuid.Parse(rolloutId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed rollout id")
	}
	devId, err := uuid.Parse(deviceUuid)
	if err != nil {
		return nil, api.StatusBadRequest("malformed device uuid")
	}
	rollout, err := h.store.Rollout().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.RolloutKind, rolloutId)
	}
	row, err := h.store.Rollout().GetDeviceRow(ctx, id, devId)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
	}
	if !activatedRowStatuses[row.Status] {
		return nil, api.StatusInvalidTransition(fmt.Sprintf("device row is %s; only activated rows can be rolled back", row.Status))
	}

	if err := h.coordinator.RollbackDevice(ctx, rollout, *row); err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}
	fresh, err := h.store.Rollout().GetDeviceRow(ctx, id, devId)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
	}
	return &fresh.RolloutDevice, api.StatusOK()
}
