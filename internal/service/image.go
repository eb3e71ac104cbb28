package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
)

const defaultRegistry = "docker.io"

type ListImagesParams struct {
	Continue *string
	Limit    int
	Status   string
	Registry string
}

var validImageStatuses = map[api.ImageStatusType]bool{
	api.ImagePending:  true,
	api.ImageApproved: true,
	api.ImageRejected: true,
}

func (h *ServiceHandler) CreateImage(ctx context.Context, image api.Image) (*api.Image, api.Status) {
	if image.Name == "" {
		return nil, api.StatusBadRequest("name is required")
	}
	if image.Registry == "" {
		image.Registry = defaultRegistry
	}
	if image.Status != "" && !validImageStatuses[image.Status] {
		return nil, api.StatusBadRequest(fmt.Sprintf("unknown image status %q", image.Status))
	}
	created, err := h.store.Image().Create(ctx, &image)
	return created, StoreErrorToApiStatus(err, true, api.ImageKind, image.Name)
}

func (h *ServiceHandler) GetImage(ctx context.Context, imageId string) (*api.Image, api.Status) {
	id, err := uuid.Parse(imageId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed image id")
	}
	result, err := h.store.Image().Get(ctx, id)
	return result, StoreErrorToApiStatus(err, false, api.ImageKind, imageId)
}

func (h *ServiceHandler) ListImages(ctx context.Context, params ListImagesParams) (*api.ImageList, api.Status) {
	listParams, status := prepareListParams(params.Continue, params.Limit)
	if !api.IsStatusSuccessful(&status) {
		return nil, status
	}
	filter := store.ImageFilter{
		Status:   api.ImageStatusType(params.Status),
		Registry: params.Registry,
	}
	result, err := h.store.Image().List(ctx, listParams, filter)
	return result, StoreErrorToApiStatus(err, false, api.ImageKind, "")
}

// SetImageStatus moves a catalog entry between pending, approved and
// rejected. Admission decisions made before this call are unaffected.
func (h *ServiceHandler) SetImageStatus(ctx context.Context, imageId string, status api.ImageStatusType) (*api.Image, api.Status) {
	id, err := uuid.Parse(imageId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed image id")
	}
	if !validImageStatuses[status] {
		return nil, api.StatusBadRequest(fmt.Sprintf("unknown image status %q", status))
	}
	updated, err := h.store.Image().SetStatus(ctx, id, status)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.ImageKind, imageId)
	}
	h.events.Publish(ctx, api.EventImageStatusChanged, api.AggregateImage, updated.Name, map[string]interface{}{
		"status": updated.Status,
	})
	return updated, api.StatusOK()
}

// UpsertImageTag records a tag and sets its flags. Deprecating a tag stops
// future rollouts of it; devices already running it are untouched.
func (h *ServiceHandler) UpsertImageTag(ctx context.Context, imageId string, tag api.ImageTag) (*api.ImageTag, api.Status) {
	id, err := uuid.Parse(imageId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed image id")
	}
	if tag.Tag == "" {
		return nil, api.StatusBadRequest("tag is required")
	}
	if _, err := h.store.Image().UpsertTag(ctx, id, tag.Tag); err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.ImageKind, imageId)
	}
	updated, err := h.store.Image().SetTagFlags(ctx, id, tag.Tag, tag.IsDeprecated, tag.IsRecommended)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.ImageTagKind, tag.Tag)
	}
	return updated, api.StatusOK()
}

func (h *ServiceHandler) ListApprovalRequests(ctx context.Context, cont *string, limit int, status string) (*api.ApprovalRequestList, api.Status) {
	listParams, st := prepareListParams(cont, limit)
	if !api.IsStatusSuccessful(&st) {
		return nil, st
	}
	result, err := h.store.Image().ListApprovalRequests(ctx, listParams, api.ApprovalRequestStatusType(status))
	return result, StoreErrorToApiStatus(err, false, api.ApprovalRequestKind, "")
}

func (h *ServiceHandler) GetApprovalRequest(ctx context.Context, requestId string) (*api.ApprovalRequest, api.Status) {
	id, err := uuid.Parse(requestId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed approval request id")
	}
	result, err := h.store.Image().GetApprovalRequest(ctx, id)
	return result, StoreErrorToApiStatus(err, false, api.ApprovalRequestKind, requestId)
}

// DecideApprovalRequest settles a pending request. Approval also upserts an
// approved catalog entry for the image so the next push admits cleanly;
// rejection leaves the catalog alone.
func (h *ServiceHandler) DecideApprovalRequest(ctx context.Context, requestId string, decision api.ApprovalDecision) (*api.ApprovalRequest, api.Status) {
	id, err := uuid.Parse(requestId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed approval request id")
	}
	decided, err := h.store.Image().DecideApprovalRequest(ctx, id, decision.Approve, time.Now().UTC())
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, api.ApprovalRequestKind, requestId)
	}

	if decision.Approve {
		registry := decision.Registry
		if registry == "" {
			registry = defaultRegistry
		}
		if status := h.ensureApprovedImage(ctx, registry, decided.ImageName, decided.Tag); !api.IsStatusSuccessful(&status) {
			return nil, status
		}
	}
	h.events.Publish(ctx, api.EventImageApprovalDecided, api.AggregateImage, decided.ImageName, map[string]interface{}{
		"approved": decision.Approve,
	})
	return decided, api.StatusOK()
}

func (h *ServiceHandler) ensureApprovedImage(ctx context.Context, registry, name, tag string) api.Status {
	image, err := h.store.Image().GetByName(ctx, registry, name)
	switch {
	case errors.Is(err, fyerrors.ErrResourceNotFound):
		image, err = h.store.Image().Create(ctx, &api.Image{
			Registry: registry,
			Name:     name,
			Status:   api.ImageApproved,
		})
		if err != nil {
			return StoreErrorToApiStatus(err, true, api.ImageKind, name)
		}
	case err != nil:
		return api.StatusInternalServerError(err.Error())
	default:
		if image.Status != api.ImageApproved {
			if image, err = h.store.Image().SetStatus(ctx, uuid.MustParse(image.Id), api.ImageApproved); err != nil {
				return StoreErrorToApiStatus(err, false, api.ImageKind, name)
			}
		}
	}
	if tag != "" {
		if _, err := h.store.Image().UpsertTag(ctx, uuid.MustParse(image.Id), tag); err != nil {
			return StoreErrorToApiStatus(err, false, api.ImageTagKind, tag)
		}
	}
	return api.StatusOK()
}
