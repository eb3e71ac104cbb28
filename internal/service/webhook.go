package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/rollout"
	"github.com/fleetyard/fleetyard/internal/webhook"
)

// ReceiveRegistryWebhook handles a registry push notification. When a queue
// publisher is configured the parsed event is enqueued for the monitor and
// the caller gets a provisional 202; otherwise planning runs inline.
func (h *ServiceHandler) ReceiveRegistryWebhook(ctx context.Context, provider string, payload []byte) (*api.WebhookResponse, api.Status) {
	event, err := webhook.Parse(provider, payload)
	if err != nil {
		return nil, api.StatusBadRequest(err.Error())
	}
	h.events.Publish(ctx, api.EventImageWebhookReceived, api.AggregateImage, event.Image, event)

	if h.queuePub != nil {
		body, err := json.Marshal(event)
		if err == nil {
			if err = h.queuePub.Publish(ctx, body); err == nil {
				return &api.WebhookResponse{Result: api.AdmissionQueued, Reason: "queued for planning"}, api.StatusAccepted()
			}
		}
		h.log.WithError(err).Warn("enqueue failed, planning push event inline")
	}
	return h.PlanPushEvent(ctx, event)
}

// PlanPushEvent runs the policy match, the admission gate and the planner
// for one parsed push event. The monitor's queue consumer calls this on the
// async path; the sync path calls it directly.
func (h *ServiceHandler) PlanPushEvent(ctx context.Context, event *webhook.PushEvent) (*api.WebhookResponse, api.Status) {
	policies, err := h.store.Policy().ListEnabled(ctx)
	if err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}
	policy := rollout.MatchPolicy(policies, event.Ref())
	if policy == nil {
		reason := fmt.Sprintf("no enabled policy matches %s", event.Ref())
		return &api.WebhookResponse{Result: api.AdmissionReject, Reason: reason}, api.StatusPolicyNotMatched(reason)
	}

	decision, err := h.gate.Admit(ctx, event.Registry, event.Image, event.Tag)
	if err != nil {
		return nil, api.StatusInternalServerError(err.Error())
	}
	switch decision.Result {
	case api.AdmissionDeprecated:
		return &api.WebhookResponse{Result: decision.Result, Reason: decision.Reason}, api.StatusImageTagDeprecated(decision.Reason)
	case api.AdmissionPendingApproval, api.AdmissionReject:
		return &api.WebhookResponse{Result: decision.Result, Reason: decision.Reason}, api.StatusImageNotApproved(decision.Reason)
	}

	created, err := h.planner.Plan(ctx, event.Image, event.Tag, policy)
	switch {
	case errors.Is(err, fyerrors.ErrRolloutActive):
		resp := &api.WebhookResponse{Result: api.AdmissionAdmit, Reason: "a rollout for this image is already active"}
		if created != nil {
			resp.RolloutId = created.Id
		}
		return resp, api.StatusConflict(err.Error())
	case err != nil:
		return nil, api.StatusInternalServerError(err.Error())
	case created == nil:
		return &api.WebhookResponse{Result: api.AdmissionAdmit, Reason: "no affected devices"}, api.StatusOK()
	}

	h.events.Publish(ctx, api.EventImageRolloutCreated, api.AggregateImage, event.Image, map[string]interface{}{
		"rolloutId": created.Id,
		"tag":       event.Tag,
	})
	return &api.WebhookResponse{Result: api.AdmissionAdmit, RolloutId: created.Id}, api.StatusCreated()
}
