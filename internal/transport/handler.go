// Package transport adapts the HTTP surface onto the service layer: decode
// the request, call the matching ServiceHandler method, write body and
// status with SetResponse. No business decisions are made here.
package transport

import (
	"github.com/fleetyard/fleetyard/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type TransportHandler struct {
	serviceHandler *service.ServiceHandler
	log            logrus.FieldLogger
}

func NewTransportHandler(serviceHandler *service.ServiceHandler, log logrus.FieldLogger) *TransportHandler {
	return &TransportHandler{
		serviceHandler: serviceHandler,
		log:            log,
	}
}

// RegisterAdminRoutes mounts the operator API. Callers wrap the router in
// whatever operator authentication the deployment uses.
func (h *TransportHandler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Post("/", h.RegisterDevice)
			r.Get("/", h.ListDevices)
			r.Route("/{uuid}", func(r chi.Router) {
				r.Get("/", h.GetDevice)
				r.Put("/", h.UpdateDevice)
				r.Delete("/", h.DeleteDevice)
				r.Post("/keys", h.ReissueDeviceKey)
				r.Delete("/keys", h.RevokeDeviceKey)
				r.Put("/target-state", h.SetDeviceTargetState)
			})
		})
		r.Route("/rollouts", func(r chi.Router) {
			r.Get("/", h.ListRollouts)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRollout)
				r.Get("/detail", h.GetRolloutDetail)
				r.Post("/{op}", h.ExecuteRolloutOp)
				r.Post("/devices/{uuid}/rollback", h.RollbackRolloutDevice)
			})
		})
		r.Route("/policies", func(r chi.Router) {
			r.Post("/", h.CreatePolicy)
			r.Get("/", h.ListPolicies)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPolicy)
				r.Put("/", h.UpdatePolicy)
				r.Delete("/", h.DeletePolicy)
			})
		})
		r.Route("/images", func(r chi.Router) {
			r.Post("/", h.CreateImage)
			r.Get("/", h.ListImages)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetImage)
				r.Put("/status", h.SetImageStatus)
				r.Put("/tags/{tag}", h.UpsertImageTag)
			})
		})
		r.Route("/approval-requests", func(r chi.Router) {
			r.Get("/", h.ListApprovalRequests)
			r.Get("/{id}", h.GetApprovalRequest)
			r.Post("/{id}/decide", h.DecideApprovalRequest)
		})
		r.Get("/events", h.ListEvents)
	})
}

// RegisterDeviceRoutes mounts the reconciliation endpoints. The caller puts
// the device key middleware in front.
func (h *TransportHandler) RegisterDeviceRoutes(r chi.Router) {
	r.Get("/device/{uuid}/state", h.PollTargetState)
	r.Patch("/device/state", h.ReportCurrentState)
}

// RegisterWebhookRoutes mounts registry push intake.
func (h *TransportHandler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/webhooks/registry/{provider}", h.ReceiveRegistryWebhook)
}
