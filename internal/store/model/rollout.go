package model

import (
	"encoding/json"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Rollout struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	ImageName string `gorm:"index"`
	OldTag    string
	NewTag    string
	Strategy  string
	PolicyID  *uuid.UUID `gorm:"type:uuid"`

	TotalBatches int
	CurrentBatch int

	Status string `gorm:"index"`
	Reason string

	// Row-state bucket counts, updated in the same transaction as every
	// row transition.
	CountPending    int64
	CountScheduled  int64
	CountUpdated    int64
	CountHealthy    int64
	CountUnhealthy  int64
	CountFailed     int64
	CountRolledBack int64
	CountSkipped    int64

	CreatedAt          time.Time
	StartedAt          *time.Time
	LastBatchStartedAt *time.Time
	CompletedAt        *time.Time
	UpdatedAt          time.Time
}

func (r *Rollout) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r Rollout) String() string {
	val, _ := json.Marshal(r)
	return string(val)
}

func (r *Rollout) Counters() api.RolloutCounters {
	return api.RolloutCounters{
		Pending:    r.CountPending,
		Scheduled:  r.CountScheduled,
		Updated:    r.CountUpdated,
		Healthy:    r.CountHealthy,
		Unhealthy:  r.CountUnhealthy,
		Failed:     r.CountFailed,
		RolledBack: r.CountRolledBack,
		Skipped:    r.CountSkipped,
	}
}

func (r *Rollout) ToApiResource() *api.Rollout {
	if r == nil {
		return &api.Rollout{}
	}
	out := &api.Rollout{
		Id:                 r.ID.String(),
		ImageName:          r.ImageName,
		OldTag:             r.OldTag,
		NewTag:             r.NewTag,
		Strategy:           api.RolloutStrategy(r.Strategy),
		TotalBatches:       r.TotalBatches,
		CurrentBatch:       r.CurrentBatch,
		Status:             api.RolloutStatusType(r.Status),
		Reason:             r.Reason,
		Counters:           r.Counters(),
		CreatedAt:          r.CreatedAt,
		StartedAt:          r.StartedAt,
		LastBatchStartedAt: r.LastBatchStartedAt,
		CompletedAt:        r.CompletedAt,
	}
	if r.PolicyID != nil {
		out.PolicyId = r.PolicyID.String()
	}
	return out
}

func RolloutsToApiResource(rollouts []Rollout, cont *string) api.RolloutList {
	items := make([]api.Rollout, len(rollouts))
	for i := range rollouts {
		items[i] = *rollouts[i].ToApiResource()
	}
	return api.RolloutList{
		Items:    items,
		Metadata: api.ListMeta{Continue: cont},
	}
}

// TargetLocation identifies one service inside a device's target state
// document whose image the rollout rewrites.
type TargetLocation struct {
	AppID     int64 `json:"appId"`
	ServiceID int64 `json:"serviceId"`
}

// RolloutDevice is one device's membership in a rollout.
type RolloutDevice struct {
	RolloutID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceUuid uuid.UUID `gorm:"type:uuid;primaryKey;index"`

	BatchNumber int
	Status      string `gorm:"index"`
	Error       string

	// Locations are the matched services to rewrite on activation and on
	// rollback, discovered at plan time.
	Locations JSONSlice[TargetLocation] `gorm:"type:jsonb"`

	ScheduledAt *time.Time
	// ConvergedAt is when the device reported the new tag.
	ConvergedAt     *time.Time
	HealthCheckedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *RolloutDevice) ToApiResource() *api.RolloutDevice {
	if d == nil {
		return &api.RolloutDevice{}
	}
	return &api.RolloutDevice{
		RolloutId:       d.RolloutID.String(),
		DeviceUuid:      d.DeviceUuid.String(),
		BatchNumber:     d.BatchNumber,
		Status:          api.RolloutDeviceStatusType(d.Status),
		Error:           d.Error,
		ScheduledAt:     d.ScheduledAt,
		UpdatedAt:       d.ConvergedAt,
		HealthCheckedAt: d.HealthCheckedAt,
	}
}

func RolloutDevicesToApiResource(rows []RolloutDevice) []api.RolloutDevice {
	items := make([]api.RolloutDevice, len(rows))
	for i := range rows {
		items[i] = *rows[i].ToApiResource()
	}
	return items
}
