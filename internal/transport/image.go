package transport

import (
	"encoding/json"
	"net/http"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/service"
	"github.com/go-chi/chi/v5"
)

// (POST /api/v1/images)
func (h *TransportHandler) CreateImage(w http.ResponseWriter, r *http.Request) {
	var image api.Image
	if err := json.NewDecoder(r.Body).Decode(&image); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.CreateImage(r.Context(), image)
	SetResponse(w, body, status)
}

// (GET /api/v1/images)
func (h *TransportHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	cont, limit, err := listQuery(r)
	if err != nil {
		SetResponse(w, nil, api.StatusBadRequest(err.Error()))
		return
	}

	body, status := h.serviceHandler.ListImages(r.Context(), service.ListImagesParams{
		Continue: cont,
		Limit:    limit,
		Status:   r.URL.Query().Get("status"),
		Registry: r.URL.Query().Get("registry"),
	})
	SetResponse(w, body, status)
}

// (GET /api/v1/images/{id})
func (h *TransportHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.GetImage(r.Context(), chi.URLParam(r, "id"))
	SetResponse(w, body, status)
}

// (PUT /api/v1/images/{id}/status)
func (h *TransportHandler) SetImageStatus(w http.ResponseWriter, r *http.Request) {
	var update api.ImageStatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.SetImageStatus(r.Context(), chi.URLParam(r, "id"), update.Status)
	SetResponse(w, body, status)
}

// (PUT /api/v1/images/{id}/tags/{tag})
func (h *TransportHandler) UpsertImageTag(w http.ResponseWriter, r *http.Request) {
	var tag api.ImageTag
	if err := json.NewDecoder(r.Body).Decode(&tag); err != nil {
		SetParseFailureResponse(w, err)
		return
	}
	tag.Tag = chi.URLParam(r, "tag")

	body, status := h.serviceHandler.UpsertImageTag(r.Context(), chi.URLParam(r, "id"), tag)
	SetResponse(w, body, status)
}

// (GET /api/v1/approval-requests)
func (h *TransportHandler) ListApprovalRequests(w http.ResponseWriter, r *http.Request) {
	cont, limit, err := listQuery(r)
	if err != nil {
		SetResponse(w, nil, api.StatusBadRequest(err.Error()))
		return
	}

	body, status := h.serviceHandler.ListApprovalRequests(r.Context(), cont, limit, r.URL.Query().Get("status"))
	SetResponse(w, body, status)
}

// (GET /api/v1/approval-requests/{id})
func (h *TransportHandler) GetApprovalRequest(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.GetApprovalRequest(r.Context(), chi.URLParam(r, "id"))
	SetResponse(w, body, status)
}

// (POST /api/v1/approval-requests/{id}/decide)
func (h *TransportHandler) DecideApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var decision api.ApprovalDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.DecideApprovalRequest(r.Context(), chi.URLParam(r, "id"), decision)
	SetResponse(w, body, status)
}
