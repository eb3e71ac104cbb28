package transport

import (
	"encoding/json"
	"net/http"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/go-chi/chi/v5"
)

// (GET /device/{uuid}/state)
//
// The etag travels in the ETag header on both the 200 and the 304 so a
// device can refresh its validator even when the document did not change.
func (h *TransportHandler) PollTargetState(w http.ResponseWriter, r *http.Request) {
	doc, etag, status := h.serviceHandler.PollTargetState(r.Context(), chi.URLParam(r, "uuid"), r.Header.Get("If-None-Match"))
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	SetResponse(w, doc, status)
}

// (PATCH /device/state)
func (h *TransportHandler) ReportCurrentState(w http.ResponseWriter, r *http.Request) {
	var report api.DeviceStateReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.ReportCurrentState(r.Context(), report)
	SetResponse(w, body, status)
}
