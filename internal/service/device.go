package service

import (
	"context"
	"errors"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/auth"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
)

type ListDevicesParams struct {
	Continue *string
	Limit    int
	Fleet    string
	Online   *bool
}

// RegisterDevice creates the device row and issues its API key. The key is
// returned exactly once; only its hash is stored.
func (h *ServiceHandler) RegisterDevice(ctx context.Context, device api.Device) (*api.DeviceWithKey, api.Status) {
	if device.Name == "" {
		return nil, api.StatusBadRequest("name is required")
	}

	deviceUuid := uuid.New()
	key, hash, err := auth.GenerateKey(deviceUuid, h.bcryptCost)
	if err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}

	device.Uuid = deviceUuid.String()
	device.IsActive = true
	created, err := h.store.Device().Create(ctx, &device, hash)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, true, api.DeviceKind, device.Name)
	}

	h.events.Publish(ctx, api.EventDeviceRegistered, api.AggregateDevice, created.Uuid, map[string]interface{}{
		"name":  created.Name,
		"fleet": created.Fleet,
	})
	return &api.DeviceWithKey{Device: *created, ApiKey: key}, api.StatusCreated()
}

// ReissueDeviceKey replaces the device's API key. The previous key stops
// working as soon as the new hash is stored.
func (h *ServiceHandler) ReissueDeviceKey(ctx context.Context, deviceUuid string) (*api.DeviceWithKey, api.Status) {
	id, err := uuid.Parse(deviceUuid)
	if err != nil {
		return nil, api.StatusBadRequest("malformed device uuid")
	}
	device, err := h.store.Device().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
	}

	key, hash, err := auth.GenerateKey(id, h.bcryptCost)
	if err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}
	if err := h.store.Device().SetKeyHash(ctx, id, hash); err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
	}
	return &api.DeviceWithKey{Device: *device, ApiKey: key}, api.StatusCreated()
}

// RevokeDeviceKey invalidates the current key without issuing a new one.
func (h *ServiceHandler) RevokeDeviceKey(ctx context.Context, deviceUuid string) api.Status {
	id, err := uuid.Parse(deviceUuid)
	if err != nil {
		return api.StatusBadRequest("malformed device uuid")
	}
	if err := h.store.Device().RevokeKey(ctx, id); err != nil {
		return StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
	}
	return api.StatusNoContent()
}

func (h *ServiceHandler) ListDevices(ctx context.Context, params ListDevicesParams) (*api.DeviceList, api.Status) {
	listParams, status := prepareListParams(params.Continue, params.Limit)
	if !api.IsStatusSuccessful(&status) {
		return nil, status
	}
	result, err := h.store.Device().List(ctx, listParams, store.DeviceFilter{Fleet: params.Fleet, Online: params.Online})
	return result, StoreErrorToApiStatus(err, false, api.DeviceKind, "")
}

// GetDevice returns the device row together with its target and current
// state documents when they exist.
func (h *ServiceHandler) GetDevice(ctx context.Context, deviceUuid string) (*api.DeviceDetail, api.Status) {
	id, err := uuid.Parse(deviceUuid)
	if err != nil {
		return nil, api.StatusBadRequest("malformed device uuid")
	}
	device, err := h.store.Device().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
	}

	detail := &api.DeviceDetail{Device: *device}
	target, err := h.targetStates.Get(ctx, id)
	switch {
	case err == nil:
		detail.TargetState = target
	case !errors.Is(err, fyerrors.ErrResourceNotFound):
		return nil, api.StatusInternalServerError(err.Error())
	}
	current, err := h.store.CurrentState().Get(ctx, id)
	switch {
	case err == nil:
		detail.CurrentState = current
	case !errors.Is(err, fyerrors.ErrResourceNotFound):
		return nil, api.StatusInternalServerError(err.Error())
	}
	return detail, api.StatusOK()
}

// UpdateDevice rewrites the admin-managed columns: name, type, fleet, tags
// and the active flag. Credentials and liveness fields are not touched.
func (h *ServiceHandler) UpdateDevice(ctx context.Context, deviceUuid string, device api.Device) (*api.Device, api.Status) {
	id, err := uuid.Parse(deviceUuid)
	if err != nil {
		return nil, api.StatusBadRequest("malformed device uuid")
	}
	if device.Name == "" {
		return nil, api.StatusBadRequest("name is required")
	}
	device.Uuid = id.String()
	updated, err := h.store.Device().Update(ctx, &device)
	return updated, StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
}

func (h *ServiceHandler) DeleteDevice(ctx context.Context, deviceUuid string) api.Status {
	id, err := uuid.Parse(deviceUuid)
	if err != nil {
		return api.StatusBadRequest("malformed device uuid")
	}
	if err := h.store.Device().Delete(ctx, id); err != nil {
		return StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
	}
	return api.StatusNoContent()
}

// SetDeviceTargetState is the admin write of a device's desired document.
// Writing a document equal to the stored one is a no-op and returns the
// unchanged version.
func (h *ServiceHandler) SetDeviceTargetState(ctx context.Context, deviceUuid string, doc api.TargetState) (*api.TargetStateInfo, api.Status) {
	id, err := uuid.Parse(deviceUuid)
	if err != nil {
		return nil, api.StatusBadRequest("malformed device uuid")
	}
	if _, err := h.store.Device().Get(ctx, id); err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.DeviceKind, deviceUuid)
	}
	info, err := h.targetStates.Update(ctx, id, doc)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, "TargetState", deviceUuid)
	}
	return info, api.StatusOK()
}
