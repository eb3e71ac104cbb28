package transport

import (
	"encoding/json"
	"net/http"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/go-chi/chi/v5"
)

// (POST /api/v1/policies)
func (h *TransportHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy api.UpdatePolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.CreatePolicy(r.Context(), policy)
	SetResponse(w, body, status)
}

// (GET /api/v1/policies)
func (h *TransportHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	cont, limit, err := listQuery(r)
	if err != nil {
		SetResponse(w, nil, api.StatusBadRequest(err.Error()))
		return
	}

	body, status := h.serviceHandler.ListPolicies(r.Context(), cont, limit)
	SetResponse(w, body, status)
}

// (GET /api/v1/policies/{id})
func (h *TransportHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	SetResponse(w, body, status)
}

// (PUT /api/v1/policies/{id})
func (h *TransportHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy api.UpdatePolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.UpdatePolicy(r.Context(), chi.URLParam(r, "id"), policy)
	SetResponse(w, body, status)
}

// (DELETE /api/v1/policies/{id})
func (h *TransportHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	status := h.serviceHandler.DeletePolicy(r.Context(), chi.URLParam(r, "id"))
	SetResponse(w, nil, status)
}
