package v1alpha1

import (
	"strings"
	"time"
)

const (
	DeviceKind          = "Device"
	RolloutKind         = "Rollout"
	PolicyKind          = "UpdatePolicy"
	ImageKind           = "Image"
	ImageTagKind        = "ImageTag"
	ApprovalRequestKind = "ApprovalRequest"
	EventKind           = "Event"
)

// Device is the control-plane view of an edge device.
type Device struct {
	Uuid     string     `json:"uuid"`
	Name     string     `json:"name"`
	Type     string     `json:"type,omitempty"`
	Fleet    string     `json:"fleet,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	IsActive bool       `json:"isActive"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	// LastEtag is the validator of the last target state served to the device.
	LastEtag  string    `json:"lastEtag,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeviceWithKey is returned once, on registration or key re-issue. The key
// is never retrievable afterwards.
type DeviceWithKey struct {
	Device
	ApiKey string `json:"apiKey"`
}

type DeviceList struct {
	Items    []Device `json:"items"`
	Metadata ListMeta `json:"metadata"`
}

// DeviceDetail is the admin drill-down: the device row plus its current
// target and report documents, when present.
type DeviceDetail struct {
	Device
	TargetState  *TargetStateInfo  `json:"targetState,omitempty"`
	CurrentState *CurrentStateInfo `json:"currentState,omitempty"`
}

// ListMeta carries keyset pagination state. Continue holds the identity of
// the last returned item; pass it back to resume the listing.
type ListMeta struct {
	Continue *string `json:"continue,omitempty"`
}

// TargetState is the declarative per-device document served to devices.
// Apps is keyed by app-id rendered as a decimal string.
type TargetState struct {
	Apps   map[string]App         `json:"apps"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// TargetStateInfo is the admin view of a target state document.
type TargetStateInfo struct {
	TargetState
	Version   int64     `json:"version"`
	Etag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type App struct {
	Id       int64     `json:"id"`
	Name     string    `json:"name"`
	Services []Service `json:"services"`
}

// Service describes one container of an app. The image reference is stored
// redundantly: ImageName at the service level and/or an "image" key inside
// Config. Readers must accept either; see Image and SetImage.
type Service struct {
	Id        int64                  `json:"id"`
	Name      string                 `json:"name"`
	ImageName string                 `json:"imageName,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
}

// Image returns the service's image reference, preferring the service-level
// field and falling back to config.image. Empty when neither is set.
func (s *Service) Image() string {
	if s.ImageName != "" {
		return s.ImageName
	}
	if s.Config != nil {
		if v, ok := s.Config["image"].(string); ok {
			return v
		}
	}
	return ""
}

// SetImage rewrites every populated image location with ref. It never
// invents a location the document did not already carry, so the source
// field round-trips. Returns false when the service has no image field
// at all.
func (s *Service) SetImage(ref string) bool {
	updated := false
	if s.ImageName != "" {
		s.ImageName = ref
		updated = true
	}
	if s.Config != nil {
		if _, ok := s.Config["image"].(string); ok {
			s.Config["image"] = ref
			updated = true
		}
	}
	return updated
}

// ParseImageRef splits an image reference into repository and tag. The tag
// separator is the last colon after the last slash, so registry ports
// ("host:5000/app") are not mistaken for tags. Tag is empty when absent.
func ParseImageRef(ref string) (repo string, tag string) {
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, ""
}

// CurrentState is a device's self-report. A nil or empty Apps map means the
// report carries no app information and stored apps must be preserved.
type CurrentState struct {
	Apps       map[string]AppStatus `json:"apps,omitempty"`
	SystemInfo *SystemInfo          `json:"system_info,omitempty"`
}

// CurrentStateInfo is the admin view of a current state report.
type CurrentStateInfo struct {
	CurrentState
	ReportedAt time.Time `json:"reportedAt"`
}

type AppStatus struct {
	Id       int64           `json:"id"`
	Name     string          `json:"name,omitempty"`
	Services []ServiceStatus `json:"services"`
}

type ServiceStatus struct {
	Id     int64  `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image,omitempty"`
	Status string `json:"status"`
}

const ServiceStatusRunning = "running"

type SystemInfo struct {
	Ip            string  `json:"ip,omitempty"`
	UptimeSeconds int64   `json:"uptime_seconds,omitempty"`
	CpuPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
	AgentVersion  string  `json:"agent_version,omitempty"`
}

// DeviceStateDocument is the reconciliation wire shape: a single-key map
// from device uuid to its target state.
type DeviceStateDocument map[string]TargetState

// DeviceStateReport is the PATCH /device/state wire shape: a single-key map
// from device uuid to the reported current state.
type DeviceStateReport map[string]CurrentState
