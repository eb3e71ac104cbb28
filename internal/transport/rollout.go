package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/service"
	"github.com/go-chi/chi/v5"
)

// (GET /api/v1/rollouts)
func (h *TransportHandler) ListRollouts(w http.ResponseWriter, r *http.Request) {
	cont, limit, err := listQuery(r)
	if err != nil {
		SetResponse(w, nil, api.StatusBadRequest(err.Error()))
		return
	}

	body, status := h.serviceHandler.ListRollouts(r.Context(), service.ListRolloutsParams{
		Continue: cont,
		Limit:    limit,
		Status:   r.URL.Query().Get("status"),
		Image:    r.URL.Query().Get("image"),
	})
	SetResponse(w, body, status)
}

// (GET /api/v1/rollouts/{id})
func (h *TransportHandler) GetRollout(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.GetRollout(r.Context(), chi.URLParam(r, "id"))
	SetResponse(w, body, status)
}

// (GET /api/v1/rollouts/{id}/detail)
func (h *TransportHandler) GetRolloutDetail(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.GetRolloutDetail(r.Context(), chi.URLParam(r, "id"))
	SetResponse(w, body, status)
}

// (POST /api/v1/rollouts/{id}/{op})
//
// The command body is optional; start/resume/next-batch are usually sent
// without one.
func (h *TransportHandler) ExecuteRolloutOp(w http.ResponseWriter, r *http.Request) {
	var command api.RolloutCommand
	if err := json.NewDecoder(r.Body).Decode(&command); err != nil && !errors.Is(err, io.EOF) {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.ExecuteRolloutOp(r.Context(), chi.URLParam(r, "id"), api.RolloutOp(chi.URLParam(r, "op")), command)
	SetResponse(w, body, status)
}

// (POST /api/v1/rollouts/{id}/devices/{uuid}/rollback)
func (h *TransportHandler) RollbackRolloutDevice(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.RollbackRolloutDevice(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "uuid"))
	SetResponse(w, body, status)
}
