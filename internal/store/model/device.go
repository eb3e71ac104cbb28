package model

import (
	"encoding/json"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Device struct {
	Uuid uuid.UUID `gorm:"type:uuid;primaryKey"`

	// User-facing alias; unique so operators can address devices by name.
	Name string `gorm:"uniqueIndex"`

	Type  string
	Fleet string            `gorm:"index"`
	Tags  JSONSlice[string] `gorm:"type:jsonb"`

	// IsActive is the admin kill switch; inactive devices fail auth.
	IsActive bool `gorm:"default:true"`

	// IsOnline is derived from polling activity, never set by admins.
	IsOnline bool
	LastSeen *time.Time

	// Bcrypt hash of the device API key. The plaintext key is returned
	// once at registration and never stored.
	ApiKeyHash string
	KeyRevoked bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.Uuid == uuid.Nil {
		d.Uuid = uuid.New()
	}
	return nil
}

func (d Device) String() string {
	val, _ := json.Marshal(d)
	return string(val)
}

func NewDeviceFromApiResource(resource *api.Device) (*Device, error) {
	if resource == nil {
		return &Device{}, nil
	}
	var id uuid.UUID
	if resource.Uuid != "" {
		parsed, err := uuid.Parse(resource.Uuid)
		if err != nil {
			return nil, err
		}
		id = parsed
	}
	return &Device{
		Uuid:     id,
		Name:     resource.Name,
		Type:     resource.Type,
		Fleet:    resource.Fleet,
		Tags:     resource.Tags,
		IsActive: resource.IsActive,
	}, nil
}

func (d *Device) ToApiResource() *api.Device {
	if d == nil {
		return &api.Device{}
	}
	return &api.Device{
		Uuid:      d.Uuid.String(),
		Name:      d.Name,
		Type:      d.Type,
		Fleet:     d.Fleet,
		Tags:      d.Tags,
		IsActive:  d.IsActive,
		IsOnline:  d.IsOnline,
		LastSeen:  d.LastSeen,
		CreatedAt: d.CreatedAt,
	}
}

func DevicesToApiResource(devices []Device, cont *string) api.DeviceList {
	items := make([]api.Device, len(devices))
	for i := range devices {
		items[i] = *devices[i].ToApiResource()
	}
	return api.DeviceList{
		Items:    items,
		Metadata: api.ListMeta{Continue: cont},
	}
}

// DeviceTargetState is the declarative document a device converges to.
// Hash caches the canonical content hash serving as the document's ETag.
type DeviceTargetState struct {
	DeviceUuid uuid.UUID `gorm:"type:uuid;primaryKey"`

	Apps   *JSONField[map[string]api.App]     `gorm:"type:jsonb"`
	Config *JSONField[map[string]interface{}] `gorm:"type:jsonb"`

	Version   int64
	Hash      string `gorm:"size:64"`
	UpdatedAt time.Time
}

func (t *DeviceTargetState) ToApiDocument() api.TargetState {
	doc := api.TargetState{Apps: map[string]api.App{}}
	if t.Apps != nil && t.Apps.Data != nil {
		doc.Apps = t.Apps.Data
	}
	if t.Config != nil {
		doc.Config = t.Config.Data
	}
	return doc
}

func (t *DeviceTargetState) ToApiResource() api.TargetStateInfo {
	return api.TargetStateInfo{
		TargetState: t.ToApiDocument(),
		Version:     t.Version,
		Etag:        t.Hash,
		UpdatedAt:   t.UpdatedAt,
	}
}

// DeviceCurrentState is the device's last self-report.
type DeviceCurrentState struct {
	DeviceUuid uuid.UUID `gorm:"type:uuid;primaryKey"`

	Apps       *JSONField[map[string]api.AppStatus] `gorm:"type:jsonb"`
	SystemInfo *JSONField[api.SystemInfo]           `gorm:"type:jsonb"`

	ReportedAt time.Time
}

func (c *DeviceCurrentState) ToApiResource() api.CurrentStateInfo {
	out := api.CurrentStateInfo{ReportedAt: c.ReportedAt}
	if c.Apps != nil {
		out.Apps = c.Apps.Data
	}
	if c.SystemInfo != nil {
		info := c.SystemInfo.Data
		out.SystemInfo = &info
	}
	return out
}
