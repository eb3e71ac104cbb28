package service

import (
	"context"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/store"
)

type ListEventsParams struct {
	Continue      *string
	Limit         int
	Type          string
	AggregateType string
	AggregateId   string
}

func (h *ServiceHandler) ListEvents(ctx context.Context, params ListEventsParams) (*api.EventList, api.Status) {
	listParams, status := prepareListParams(params.Continue, params.Limit)
	if !api.IsStatusSuccessful(&status) {
		return nil, status
	}
	filter := store.EventFilter{
		Type:          api.EventType(params.Type),
		AggregateType: api.AggregateType(params.AggregateType),
		AggregateId:   params.AggregateId,
	}
	result, err := h.store.Event().List(ctx, listParams, filter)
	return result, StoreErrorToApiStatus(err, false, api.EventKind, "")
}
