package v1alpha1

import "time"

type ImageStatusType string

const (
	ImagePending  ImageStatusType = "pending"
	ImageApproved ImageStatusType = "approved"
	ImageRejected ImageStatusType = "rejected"
)

// Image is a registry catalog entry gating rollout admission.
type Image struct {
	Id         string          `json:"id"`
	Registry   string          `json:"registry"`
	Namespace  string          `json:"namespace,omitempty"`
	Name       string          `json:"name"`
	Status     ImageStatusType `json:"status"`
	Category   string          `json:"category,omitempty"`
	IsOfficial bool            `json:"isOfficial"`
	Tags       []ImageTag      `json:"tags,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type ImageTag struct {
	Tag           string    `json:"tag"`
	IsDeprecated  bool      `json:"isDeprecated"`
	IsRecommended bool      `json:"isRecommended"`
	CreatedAt     time.Time `json:"createdAt"`
}

type ImageList struct {
	Items    []Image  `json:"items"`
	Metadata ListMeta `json:"metadata"`
}

type ApprovalRequestStatusType string

const (
	ApprovalRequestPending  ApprovalRequestStatusType = "pending"
	ApprovalRequestApproved ApprovalRequestStatusType = "approved"
	ApprovalRequestRejected ApprovalRequestStatusType = "rejected"
)

// ApprovalRequest records the first sighting of an unknown image so an
// operator can approve or reject it.
type ApprovalRequest struct {
	Id          string                    `json:"id"`
	ImageName   string                    `json:"imageName"`
	Tag         string                    `json:"tag,omitempty"`
	Status      ApprovalRequestStatusType `json:"status"`
	RequestedAt time.Time                 `json:"requestedAt"`
	DecidedAt   *time.Time                `json:"decidedAt,omitempty"`
}

type ApprovalRequestList struct {
	Items    []ApprovalRequest `json:"items"`
	Metadata ListMeta          `json:"metadata"`
}

// ApprovalDecision is the body of POST /approval-requests/{id}/decide.
// Registry names where the approved catalog entry should live; requests do
// not record one, so it defaults to docker.io.
type ApprovalDecision struct {
	Approve  bool   `json:"approve"`
	Registry string `json:"registry,omitempty"`
}

// ImageStatusUpdate is the body of PUT /images/{id}/status.
type ImageStatusUpdate struct {
	Status ImageStatusType `json:"status"`
}

type AdmissionResult string

const (
	AdmissionAdmit           AdmissionResult = "admit"
	AdmissionPendingApproval AdmissionResult = "pending-approval"
	AdmissionReject          AdmissionResult = "reject"
	AdmissionDeprecated      AdmissionResult = "deprecated"
	// AdmissionQueued is the provisional result of the asynchronous intake
	// path: the push was accepted for planning but not yet admitted.
	AdmissionQueued AdmissionResult = "queued"
)

// WebhookResponse is the body returned by POST /webhooks/registry/{provider}.
type WebhookResponse struct {
	Result    AdmissionResult `json:"result"`
	RolloutId string          `json:"rolloutId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}
