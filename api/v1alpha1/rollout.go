package v1alpha1

import (
	"time"

	"github.com/fleetyard/fleetyard/internal/util"
)

type RolloutStrategy string

const (
	RolloutStrategyAuto      RolloutStrategy = "auto"
	RolloutStrategyStaged    RolloutStrategy = "staged"
	RolloutStrategyManual    RolloutStrategy = "manual"
	RolloutStrategyScheduled RolloutStrategy = "scheduled"
)

type RolloutStatusType string

const (
	RolloutPending    RolloutStatusType = "pending"
	RolloutInProgress RolloutStatusType = "in_progress"
	RolloutPaused     RolloutStatusType = "paused"
	RolloutCompleted  RolloutStatusType = "completed"
	RolloutFailed     RolloutStatusType = "failed"
	RolloutCancelled  RolloutStatusType = "cancelled"
	RolloutRolledBack RolloutStatusType = "rolled_back"
)

// ActiveRolloutStatuses are the statuses during which an image may not get
// a second rollout.
var ActiveRolloutStatuses = []RolloutStatusType{RolloutPending, RolloutInProgress, RolloutPaused}

func (s RolloutStatusType) Active() bool {
	for _, a := range ActiveRolloutStatuses {
		if s == a {
			return true
		}
	}
	return false
}

type RolloutDeviceStatusType string

const (
	RolloutDevicePending    RolloutDeviceStatusType = "pending"
	RolloutDeviceScheduled  RolloutDeviceStatusType = "scheduled"
	RolloutDeviceUpdated    RolloutDeviceStatusType = "updated"
	RolloutDeviceHealthy    RolloutDeviceStatusType = "healthy"
	RolloutDeviceUnhealthy  RolloutDeviceStatusType = "unhealthy"
	RolloutDeviceFailed     RolloutDeviceStatusType = "failed"
	RolloutDeviceRolledBack RolloutDeviceStatusType = "rolled_back"
	RolloutDeviceSkipped    RolloutDeviceStatusType = "skipped"
)

// Terminal reports whether a row status can no longer change without an
// explicit admin action.
func (s RolloutDeviceStatusType) Terminal() bool {
	switch s {
	case RolloutDeviceHealthy, RolloutDeviceFailed, RolloutDeviceRolledBack, RolloutDeviceSkipped:
		return true
	default:
		return false
	}
}

type Rollout struct {
	Id                 string            `json:"id"`
	ImageName          string            `json:"imageName"`
	OldTag             string            `json:"oldTag"`
	NewTag             string            `json:"newTag"`
	Strategy           RolloutStrategy   `json:"strategy"`
	PolicyId           string            `json:"policyId,omitempty"`
	TotalBatches       int               `json:"totalBatches"`
	CurrentBatch       int               `json:"currentBatch"`
	Status             RolloutStatusType `json:"status"`
	Reason             string            `json:"reason,omitempty"`
	Counters           RolloutCounters   `json:"counters"`
	CreatedAt          time.Time         `json:"createdAt"`
	StartedAt          *time.Time        `json:"startedAt,omitempty"`
	LastBatchStartedAt *time.Time        `json:"lastBatchStartedAt,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
}

// RolloutCounters are the per-row-state bucket counts, kept consistent with
// the rows after every transition.
type RolloutCounters struct {
	Pending    int64 `json:"pending"`
	Scheduled  int64 `json:"scheduled"`
	Updated    int64 `json:"updated"`
	Healthy    int64 `json:"healthy"`
	Unhealthy  int64 `json:"unhealthy"`
	Failed     int64 `json:"failed"`
	RolledBack int64 `json:"rolledBack"`
	Skipped    int64 `json:"skipped"`
}

func (c RolloutCounters) Total() int64 {
	return c.Pending + c.Scheduled + c.Updated + c.Healthy + c.Unhealthy + c.Failed + c.RolledBack + c.Skipped
}

// Processed counts devices whose batch has been activated.
func (c RolloutCounters) Processed() int64 {
	return c.Scheduled + c.Updated + c.Healthy + c.Unhealthy + c.Failed + c.RolledBack
}

// FailureRate is (failed + rolled back) over devices processed so far.
// Zero when nothing has been processed.
func (c RolloutCounters) FailureRate() float64 {
	processed := c.Processed()
	if processed == 0 {
		return 0
	}
	return float64(c.Failed+c.RolledBack) / float64(processed)
}

type RolloutDevice struct {
	RolloutId       string                  `json:"rolloutId"`
	DeviceUuid      string                  `json:"deviceUuid"`
	BatchNumber     int                     `json:"batchNumber"`
	Status          RolloutDeviceStatusType `json:"status"`
	Error           string                  `json:"error,omitempty"`
	ScheduledAt     *time.Time              `json:"scheduledAt,omitempty"`
	UpdatedAt       *time.Time              `json:"updatedAt,omitempty"`
	HealthCheckedAt *time.Time              `json:"healthCheckedAt,omitempty"`
}

type RolloutList struct {
	Items    []Rollout `json:"items"`
	Metadata ListMeta  `json:"metadata"`
}

// RolloutDetail is the admin drill-down: plan, per-device rows, and the
// rollout's recent events.
type RolloutDetail struct {
	Rollout
	Devices []RolloutDevice `json:"devices"`
	Events  []Event         `json:"events,omitempty"`
}

// RolloutCommand is the body of POST /rollouts/{id}/{op}.
type RolloutCommand struct {
	Reason string `json:"reason,omitempty"`
}

type RolloutOp string

const (
	RolloutOpStart       RolloutOp = "start"
	RolloutOpPause       RolloutOp = "pause"
	RolloutOpResume      RolloutOp = "resume"
	RolloutOpCancel      RolloutOp = "cancel"
	RolloutOpRollbackAll RolloutOp = "rollback"
	RolloutOpNextBatch   RolloutOp = "next-batch"
)

type HealthCheckType string

const (
	HealthCheckHttp      HealthCheckType = "http"
	HealthCheckTcp       HealthCheckType = "tcp"
	HealthCheckContainer HealthCheckType = "container"
	HealthCheckNone      HealthCheckType = "none"
)

// HealthCheckSpec configures the post-update probe. Url and Host accept the
// {device_ip} and {device_name} placeholders.
type HealthCheckSpec struct {
	Type             HealthCheckType `json:"type"`
	Url              string          `json:"url,omitempty"`
	ExpectedStatuses []int           `json:"expectedStatuses,omitempty"`
	Host             string          `json:"host,omitempty"`
	Port             int             `json:"port,omitempty"`
	Container        string          `json:"container,omitempty"`
	Timeout          util.Duration   `json:"timeout,omitempty"`
}

// UpdatePolicy decides how a pushed image propagates to devices.
type UpdatePolicy struct {
	Id           string          `json:"id"`
	Name         string          `json:"name"`
	ImagePattern string          `json:"imagePattern"`
	Strategy     RolloutStrategy `json:"strategy"`
	// StagedBatches is the batch count N for staged/scheduled/manual
	// strategies. BatchPercents optionally overrides the cumulative batch
	// sizes; len(BatchPercents) == StagedBatches and the last entry is 100.
	StagedBatches int           `json:"stagedBatches,omitempty"`
	BatchPercents []int         `json:"batchPercents,omitempty"`
	BatchDelay    util.Duration `json:"batchDelay,omitempty"`
	// ConvergenceTimeout bounds how long a scheduled row may wait for the
	// device to report the new tag before it is failed.
	ConvergenceTimeout util.Duration    `json:"convergenceTimeout,omitempty"`
	HealthCheck        *HealthCheckSpec `json:"healthCheck,omitempty"`
	AutoRollback       bool             `json:"autoRollback"`
	MaxFailureRate     float64          `json:"maxFailureRate"`
	Enabled            bool             `json:"enabled"`
	// Device filters: all empty means every affected device is targeted.
	FleetId     string   `json:"fleetId,omitempty"`
	DeviceTags  []string `json:"deviceTags,omitempty"`
	DeviceUuids []string `json:"deviceUuids,omitempty"`
	// Schedule is a cron expression opening a maintenance window of
	// ScheduleDuration during which batches may activate. Empty means
	// always open.
	Schedule         string        `json:"schedule,omitempty"`
	ScheduleDuration util.Duration `json:"scheduleDuration,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

type UpdatePolicyList struct {
	Items    []UpdatePolicy `json:"items"`
	Metadata ListMeta       `json:"metadata"`
}
