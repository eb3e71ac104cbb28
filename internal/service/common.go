package service

import (
	"errors"
	"fmt"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
)

var badRequestErrors = map[error]bool{
	fyerrors.ErrResourceIsNil:     true,
	fyerrors.ErrResourceNameIsNil: true,
	fyerrors.ErrIllegalEtagFormat: true,
}

var conflictErrors = map[error]bool{
	fyerrors.ErrDuplicateName:  true,
	fyerrors.ErrNoRowsUpdated:  true,
	fyerrors.ErrUpdateConflict: true,
	fyerrors.ErrRolloutActive:  true,
}

// StoreErrorToApiStatus converts a store error to an API status.
func StoreErrorToApiStatus(err error, created bool, kind string, name string) api.Status {
	if err == nil {
		if created {
			return api.StatusCreated()
		}
		return api.StatusOK()
	}

	if errors.Is(err, fyerrors.ErrResourceNotFound) {
		return api.StatusResourceNotFound(kind, name)
	}
	if errors.Is(err, fyerrors.ErrInvalidTransition) {
		return api.StatusInvalidTransition(err.Error())
	}

	for knownErr := range badRequestErrors {
		if errors.Is(err, knownErr) {
			return api.StatusBadRequest(err.Error())
		}
	}
	for knownErr := range conflictErrors {
		if errors.Is(err, knownErr) {
			return api.StatusConflict(err.Error())
		}
	}

	return api.StatusInternalServerError(err.Error())
}

// prepareListParams validates pagination inputs shared by every list
// endpoint.
func prepareListParams(cont *string, limit int) (store.ListParams, api.Status) {
	parsed, err := store.ParseContinueString(cont)
	if err != nil {
		return store.ListParams{}, api.StatusBadRequest("failed to parse continue parameter: " + err.Error())
	}
	if limit < 0 {
		return store.ListParams{}, api.StatusBadRequest("limit cannot be negative")
	}
	if limit > store.MaxRecordsPerListRequest {
		return store.ListParams{}, api.StatusBadRequest(fmt.Sprintf("limit cannot exceed %d", store.MaxRecordsPerListRequest))
	}
	if limit == 0 {
		limit = store.MaxRecordsPerListRequest
	}
	return store.ListParams{Limit: limit, Continue: parsed}, api.StatusOK()
}
