package transport

import (
	"io"
	"net/http"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/go-chi/chi/v5"
)

// (POST /webhooks/registry/{provider})
//
// The raw body goes to the service untouched; which fields matter depends
// on the provider and is the parser's business.
func (h *TransportHandler) ReceiveRegistryWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		SetResponse(w, nil, api.StatusBadRequest("can't read request body"))
		return
	}

	body, status := h.serviceHandler.ReceiveRegistryWebhook(r.Context(), chi.URLParam(r, "provider"), payload)
	SetResponse(w, body, status)
}
