package transport

import (
	"net/http"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/service"
)

// (GET /api/v1/events)
func (h *TransportHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	cont, limit, err := listQuery(r)
	if err != nil {
		SetResponse(w, nil, api.StatusBadRequest(err.Error()))
		return
	}

	body, status := h.serviceHandler.ListEvents(r.Context(), service.ListEventsParams{
		Continue:      cont,
		Limit:         limit,
		Type:          r.URL.Query().Get("type"),
		AggregateType: r.URL.Query().Get("aggregateType"),
		AggregateId:   r.URL.Query().Get("aggregateId"),
	})
	SetResponse(w, body, status)
}
