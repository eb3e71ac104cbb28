package service

import (
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/rollout"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/targetstate"
	"github.com/fleetyard/fleetyard/pkg/queues"
	"github.com/sirupsen/logrus"
)

// ServiceHandler carries the business logic behind every endpoint. Methods
// return a transport-neutral api.Status alongside the result; the transport
// layer turns both into HTTP.
type ServiceHandler struct {
	store        store.Store
	targetStates *targetstate.Service
	gate         *rollout.Gate
	planner      *rollout.Planner
	coordinator  *rollout.Coordinator
	events       *events.Publisher
	// queuePub is nil when the queue is disabled; webhook planning then
	// runs synchronously in the request.
	queuePub   queues.Publisher
	bcryptCost int
	log        logrus.FieldLogger
}

func NewServiceHandler(
	st store.Store,
	targetStates *targetstate.Service,
	gate *rollout.Gate,
	planner *rollout.Planner,
	coordinator *rollout.Coordinator,
	publisher *events.Publisher,
	queuePub queues.Publisher,
	bcryptCost int,
	log logrus.FieldLogger,
) *ServiceHandler {
	return &ServiceHandler{
		store:        st,
		targetStates: targetStates,
		gate:         gate,
		planner:      planner,
		coordinator:  coordinator,
		events:       publisher,
		queuePub:     queuePub,
		bcryptCost:   bcryptCost,
		log:          log,
	}
}
