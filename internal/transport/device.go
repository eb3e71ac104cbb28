package transport

import (
	"encoding/json"
	"net/http"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/service"
	"github.com/go-chi/chi/v5"
)

// (POST /api/v1/devices)
func (h *TransportHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var device api.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.RegisterDevice(r.Context(), device)
	SetResponse(w, body, status)
}

// (GET /api/v1/devices)
func (h *TransportHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	cont, limit, err := listQuery(r)
	if err != nil {
		SetResponse(w, nil, api.StatusBadRequest(err.Error()))
		return
	}
	online, err := boolQuery(r, "online")
	if err != nil {
		SetResponse(w, nil, api.StatusBadRequest(err.Error()))
		return
	}

	body, status := h.serviceHandler.ListDevices(r.Context(), service.ListDevicesParams{
		Continue: cont,
		Limit:    limit,
		Fleet:    r.URL.Query().Get("fleet"),
		Online:   online,
	})
	SetResponse(w, body, status)
}

// (GET /api/v1/devices/{uuid})
func (h *TransportHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.GetDevice(r.Context(), chi.URLParam(r, "uuid"))
	SetResponse(w, body, status)
}

// (PUT /api/v1/devices/{uuid})
func (h *TransportHandler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	var device api.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.UpdateDevice(r.Context(), chi.URLParam(r, "uuid"), device)
	SetResponse(w, body, status)
}

// (DELETE /api/v1/devices/{uuid})
func (h *TransportHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	status := h.serviceHandler.DeleteDevice(r.Context(), chi.URLParam(r, "uuid"))
	SetResponse(w, nil, status)
}

// (POST /api/v1/devices/{uuid}/keys)
func (h *TransportHandler) ReissueDeviceKey(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.ReissueDeviceKey(r.Context(), chi.URLParam(r, "uuid"))
	SetResponse(w, body, status)
}

// (DELETE /api/v1/devices/{uuid}/keys)
func (h *TransportHandler) RevokeDeviceKey(w http.ResponseWriter, r *http.Request) {
	status := h.serviceHandler.RevokeDeviceKey(r.Context(), chi.URLParam(r, "uuid"))
	SetResponse(w, nil, status)
}

// (PUT /api/v1/devices/{uuid}/target-state)
func (h *TransportHandler) SetDeviceTargetState(w http.ResponseWriter, r *http.Request) {
	var doc api.TargetState
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.SetDeviceTargetState(r.Context(), chi.URLParam(r, "uuid"), doc)
	SetResponse(w, body, status)
}
