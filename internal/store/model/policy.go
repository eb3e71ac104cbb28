package model

import (
	"encoding/json"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/util"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UpdatePolicy struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name         string `gorm:"uniqueIndex"`
	ImagePattern string
	Strategy     string

	StagedBatches int
	BatchPercents JSONSlice[int] `gorm:"type:jsonb"`
	// Durations are stored in nanoseconds.
	BatchDelay         int64
	ConvergenceTimeout int64

	HealthCheck *JSONField[api.HealthCheckSpec] `gorm:"type:jsonb"`

	AutoRollback   bool
	MaxFailureRate float64
	Enabled        bool `gorm:"index"`

	FleetID     string
	DeviceTags  JSONSlice[string] `gorm:"type:jsonb"`
	DeviceUuids JSONSlice[string] `gorm:"type:jsonb"`

	Schedule         string
	ScheduleDuration int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *UpdatePolicy) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p UpdatePolicy) String() string {
	val, _ := json.Marshal(p)
	return string(val)
}

func NewUpdatePolicyFromApiResource(resource *api.UpdatePolicy) (*UpdatePolicy, error) {
	if resource == nil {
		return &UpdatePolicy{}, nil
	}
	var id uuid.UUID
	if resource.Id != "" {
		parsed, err := uuid.Parse(resource.Id)
		if err != nil {
			return nil, err
		}
		id = parsed
	}
	p := &UpdatePolicy{
		ID:                 id,
		Name:               resource.Name,
		ImagePattern:       resource.ImagePattern,
		Strategy:           string(resource.Strategy),
		StagedBatches:      resource.StagedBatches,
		BatchPercents:      resource.BatchPercents,
		BatchDelay:         int64(resource.BatchDelay),
		ConvergenceTimeout: int64(resource.ConvergenceTimeout),
		AutoRollback:       resource.AutoRollback,
		MaxFailureRate:     resource.MaxFailureRate,
		Enabled:            resource.Enabled,
		FleetID:            resource.FleetId,
		DeviceTags:         resource.DeviceTags,
		DeviceUuids:        resource.DeviceUuids,
		Schedule:           resource.Schedule,
		ScheduleDuration:   int64(resource.ScheduleDuration),
	}
	if resource.HealthCheck != nil {
		p.HealthCheck = MakeJSONField(*resource.HealthCheck)
	}
	return p, nil
}

func (p *UpdatePolicy) ToApiResource() *api.UpdatePolicy {
	if p == nil {
		return &api.UpdatePolicy{}
	}
	out := &api.UpdatePolicy{
		Id:                 p.ID.String(),
		Name:               p.Name,
		ImagePattern:       p.ImagePattern,
		Strategy:           api.RolloutStrategy(p.Strategy),
		StagedBatches:      p.StagedBatches,
		BatchPercents:      p.BatchPercents,
		BatchDelay:         util.Duration(p.BatchDelay),
		ConvergenceTimeout: util.Duration(p.ConvergenceTimeout),
		AutoRollback:       p.AutoRollback,
		MaxFailureRate:     p.MaxFailureRate,
		Enabled:            p.Enabled,
		FleetId:            p.FleetID,
		DeviceTags:         p.DeviceTags,
		DeviceUuids:        p.DeviceUuids,
		Schedule:           p.Schedule,
		ScheduleDuration:   util.Duration(p.ScheduleDuration),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	if p.HealthCheck != nil {
		check := p.HealthCheck.Data
		out.HealthCheck = &check
	}
	return out
}

func UpdatePoliciesToApiResource(policies []UpdatePolicy, cont *string) api.UpdatePolicyList {
	items := make([]api.UpdatePolicy, len(policies))
	for i := range policies {
		items[i] = *policies[i].ToApiResource()
	}
	return api.UpdatePolicyList{
		Items:    items,
		Metadata: api.ListMeta{Continue: cont},
	}
}
