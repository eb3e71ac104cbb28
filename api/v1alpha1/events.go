package v1alpha1

import (
	"encoding/json"
	"time"
)

type EventType string

// Event type names follow the source aggregate. The exact strings are part
// of the external contract; consumers filter on them.
const (
	EventTargetStateUpdated EventType = "target_state.updated"

	EventDeviceOnline     EventType = "device.online"
	EventDeviceOffline    EventType = "device.offline"
	EventDeviceRegistered EventType = "device.registered"
	EventDeviceRolledBack EventType = "device.rolled_back"

	EventRolloutCreated      EventType = "rollout.created"
	EventRolloutStarted      EventType = "rollout.started"
	EventRolloutBatchStarted EventType = "rollout.batch_started"
	EventRolloutPaused       EventType = "rollout.paused"
	EventRolloutResumed      EventType = "rollout.resumed"
	EventRolloutCancelled    EventType = "rollout.cancelled"
	EventRolloutCompleted    EventType = "rollout.completed"
	EventRolloutFailed       EventType = "rollout.failed"
	EventRolloutRolledBack   EventType = "rollout.rolled_back"

	EventHealthCheckPassed EventType = "health_check_passed"
	EventHealthCheckFailed EventType = "health_check_failed"

	EventImageWebhookReceived   EventType = "image.webhook_received"
	EventImageRolloutCreated    EventType = "image.rollout_created"
	EventImageApprovalRequested EventType = "image.approval_requested"
	EventImageApprovalDecided   EventType = "image.approval_decided"
	EventImageStatusChanged     EventType = "image.status_changed"
)

type AggregateType string

const (
	AggregateDevice  AggregateType = "device"
	AggregateRollout AggregateType = "rollout"
	AggregateImage   AggregateType = "image"
)

// Event is an append-only audit record. The event log may be filtered or
// sampled; no state transition depends on it.
type Event struct {
	Id            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateType AggregateType   `json:"aggregateType"`
	AggregateId   string          `json:"aggregateId"`
	Data          json.RawMessage `json:"data,omitempty"`
	Source        string          `json:"source,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type EventList struct {
	Items    []Event  `json:"items"`
	Metadata ListMeta `json:"metadata"`
}
