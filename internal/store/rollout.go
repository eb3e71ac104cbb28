package store

import (
	"context"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store/model"
	"github.com/fleetyard/fleetyard/pkg/log"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Rollout interface {
	InitialMigration() error
	// Create persists the rollout and its device rows in one transaction.
	// Rows start pending and the pending counter starts at len(plan).
	Create(ctx context.Context, rollout *api.Rollout, plan []DevicePlan) (*api.Rollout, error)
	Get(ctx context.Context, rolloutId uuid.UUID) (*api.Rollout, error)
	List(ctx context.Context, listParams ListParams, filter RolloutFilter) (*api.RolloutList, error)
	ListByStatus(ctx context.Context, statuses ...api.RolloutStatusType) ([]api.Rollout, error)
	// FindActiveByImage returns the pending, in-progress, or paused rollout
	// for an image, or ErrResourceNotFound.
	FindActiveByImage(ctx context.Context, imageName string) (*api.Rollout, error)
	// Transition moves the rollout to a new status only while its current
	// status is in from; otherwise ErrInvalidTransition.
	Transition(ctx context.Context, rolloutId uuid.UUID, from []api.RolloutStatusType, to api.RolloutStatusType, reason string) (*api.Rollout, error)
	SetCurrentBatch(ctx context.Context, rolloutId uuid.UUID, batch int, startedAt time.Time) error

	ListDevices(ctx context.Context, rolloutId uuid.UUID) ([]api.RolloutDevice, error)
	// ListDeviceRows returns rows with their plan-time target locations,
	// optionally narrowed to statuses and a batch number.
	ListDeviceRows(ctx context.Context, rolloutId uuid.UUID, statuses []api.RolloutDeviceStatusType, batch *int) ([]DeviceRow, error)
	GetDeviceRow(ctx context.Context, rolloutId uuid.UUID, deviceUuid uuid.UUID) (*DeviceRow, error)
	// TransitionDevice moves one row status, guarded by the from set, and
	// recounts the rollout's status buckets in the same transaction. It
	// reports false without error when the row has already left the from
	// set, so concurrent actors settle on exactly one winner.
	TransitionDevice(ctx context.Context, rolloutId uuid.UUID, deviceUuid uuid.UUID, from []api.RolloutDeviceStatusType, to api.RolloutDeviceStatusType, update RowUpdate) (bool, error)
	// TransitionDevices is the bulk form, returning the number of rows moved.
	TransitionDevices(ctx context.Context, rolloutId uuid.UUID, from []api.RolloutDeviceStatusType, to api.RolloutDeviceStatusType, update RowUpdate) (int64, error)
	// ListScheduledForDevice returns the in-progress rollouts that are
	// waiting for this device to report the new tag.
	ListScheduledForDevice(ctx context.Context, deviceUuid uuid.UUID) ([]ScheduledTarget, error)
	// CountByStatus returns rollout totals grouped by status, for metrics.
	CountByStatus(ctx context.Context) ([]StatusCount, error)
}

// StatusCount is one GROUP BY status bucket.
type StatusCount struct {
	Status string
	Count  int64
}

type RolloutFilter struct {
	Status    api.RolloutStatusType
	ImageName string
}

// DevicePlan seeds one device row at rollout creation.
type DevicePlan struct {
	DeviceUuid  uuid.UUID
	BatchNumber int
	Locations   []model.TargetLocation
}

// DeviceRow is a rollout device row plus the matched target locations the
// admin API does not expose.
type DeviceRow struct {
	api.RolloutDevice
	DeviceId  uuid.UUID
	Locations []model.TargetLocation
}

// RowUpdate carries the optional column writes accompanying a row
// transition. Nil timestamps are left untouched.
type RowUpdate struct {
	Error           string
	ScheduledAt     *time.Time
	ConvergedAt     *time.Time
	HealthCheckedAt *time.Time
}

// ScheduledTarget is a row-with-rollout join used by the reconciliation
// path to detect convergence.
type ScheduledTarget struct {
	RolloutId uuid.UUID
	ImageName string
	NewTag    string
	OldTag    string
}

type RolloutStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Rollout = (*RolloutStore)(nil)

func NewRollout(db *gorm.DB, log logrus.FieldLogger) Rollout {
	return &RolloutStore{db: db, log: log}
}

func (s *RolloutStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.Rollout{}); err != nil {
		return err
	}
	return s.db.AutoMigrate(&model.RolloutDevice{})
}

func (s *RolloutStore) Create(ctx context.Context, resource *api.Rollout, plan []DevicePlan) (*api.Rollout, error) {
	log := log.WithReqIDFromCtx(ctx, s.log)
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}

	rollout := model.Rollout{
		ImageName:    resource.ImageName,
		OldTag:       resource.OldTag,
		NewTag:       resource.NewTag,
		Strategy:     string(resource.Strategy),
		TotalBatches: resource.TotalBatches,
		CurrentBatch: 0,
		Status:       string(api.RolloutPending),
		CountPending: int64(len(plan)),
	}
	if resource.PolicyId != "" {
		policyId, err := uuid.Parse(resource.PolicyId)
		if err != nil {
			return nil, err
		}
		rollout.PolicyID = &policyId
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rollout).Error; err != nil {
			return fyerrors.ErrorFromGormError(err)
		}
		rows := make([]model.RolloutDevice, len(plan))
		for i, p := range plan {
			rows[i] = model.RolloutDevice{
				RolloutID:   rollout.ID,
				DeviceUuid:  p.DeviceUuid,
				BatchNumber: p.BatchNumber,
				Status:      string(api.RolloutDevicePending),
				Locations:   p.Locations,
			}
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return fyerrors.ErrorFromGormError(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("created rollout %s for %s:%s with %d devices in %d batches",
		rollout.ID, rollout.ImageName, rollout.NewTag, len(plan), rollout.TotalBatches)
	return s.Get(ctx, rollout.ID)
}

func (s *RolloutStore) Get(ctx context.Context, rolloutId uuid.UUID) (*api.Rollout, error) {
	rollout := model.Rollout{ID: rolloutId}
	result := s.db.WithContext(ctx).First(&rollout)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return rollout.ToApiResource(), nil
}

func (s *RolloutStore) List(ctx context.Context, listParams ListParams, filter RolloutFilter) (*api.RolloutList, error) {
	var rollouts []model.Rollout
	var nextContinue *string

	limit := clampLimit(listParams.Limit)
	query := s.db.WithContext(ctx).Model(&model.Rollout{})
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.ImageName != "" {
		query = query.Where("image_name = ?", filter.ImageName)
	}
	if listParams.Continue != nil {
		createdBefore, err := time.Parse(time.RFC3339Nano, listParams.Continue.Key)
		if err != nil {
			return nil, fyerrors.ErrIllegalEtagFormat
		}
		query = query.Where("created_at < ?", createdBefore)
	}

	result := query.Order("created_at DESC").Limit(limit + 1).Find(&rollouts)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}

	if len(rollouts) > limit {
		rollouts = rollouts[:limit]
		cont, err := BuildContinueString(rollouts[len(rollouts)-1].CreatedAt.Format(time.RFC3339Nano), int64(limit))
		if err != nil {
			return nil, err
		}
		nextContinue = cont
	}

	list := model.RolloutsToApiResource(rollouts, nextContinue)
	return &list, nil
}

func (s *RolloutStore) ListByStatus(ctx context.Context, statuses ...api.RolloutStatusType) ([]api.Rollout, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	var rollouts []model.Rollout
	result := s.db.WithContext(ctx).Where("status IN ?", values).Order("created_at").Find(&rollouts)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	out := make([]api.Rollout, len(rollouts))
	for i := range rollouts {
		out[i] = *rollouts[i].ToApiResource()
	}
	return out, nil
}

func (s *RolloutStore) FindActiveByImage(ctx context.Context, imageName string) (*api.Rollout, error) {
	values := make([]string, len(api.ActiveRolloutStatuses))
	for i, st := range api.ActiveRolloutStatuses {
		values[i] = string(st)
	}
	var rollout model.Rollout
	result := s.db.WithContext(ctx).
		Where("image_name = ? AND status IN ?", imageName, values).
		Order("created_at DESC").
		First(&rollout)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return rollout.ToApiResource(), nil
}

func (s *RolloutStore) Transition(ctx context.Context, rolloutId uuid.UUID, from []api.RolloutStatusType, to api.RolloutStatusType, reason string) (*api.Rollout, error) {
	log := log.WithReqIDFromCtx(ctx, s.log)
	fromValues := make([]string, len(from))
	for i, st := range from {
		fromValues[i] = string(st)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status": string(to),
		"reason": reason,
	}
	switch to {
	case api.RolloutInProgress:
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	case api.RolloutCompleted, api.RolloutFailed, api.RolloutCancelled, api.RolloutRolledBack:
		updates["completed_at"] = now
	}

	result := s.db.WithContext(ctx).Model(&model.Rollout{}).
		Where("id = ? AND status IN ?", rolloutId, fromValues).
		Updates(updates)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, rolloutId); err != nil {
			return nil, err
		}
		return nil, fyerrors.ErrInvalidTransition
	}
	log.Infof("rollout %s transitioned to %s", rolloutId, to)
	return s.Get(ctx, rolloutId)
}

func (s *RolloutStore) SetCurrentBatch(ctx context.Context, rolloutId uuid.UUID, batch int, startedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.Rollout{}).
		Where("id = ?", rolloutId).
		Updates(map[string]interface{}{
			"current_batch":         batch,
			"last_batch_started_at": startedAt,
		})
	if result.Error != nil {
		return fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fyerrors.ErrResourceNotFound
	}
	return nil
}

func (s *RolloutStore) ListDevices(ctx context.Context, rolloutId uuid.UUID) ([]api.RolloutDevice, error) {
	var rows []model.RolloutDevice
	result := s.db.WithContext(ctx).
		Where("rollout_id = ?", rolloutId).
		Order("batch_number, device_uuid").
		Find(&rows)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return model.RolloutDevicesToApiResource(rows), nil
}

func (s *RolloutStore) ListDeviceRows(ctx context.Context, rolloutId uuid.UUID, statuses []api.RolloutDeviceStatusType, batch *int) ([]DeviceRow, error) {
	query := s.db.WithContext(ctx).Where("rollout_id = ?", rolloutId)
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		query = query.Where("status IN ?", values)
	}
	if batch != nil {
		query = query.Where("batch_number = ?", *batch)
	}

	var rows []model.RolloutDevice
	result := query.Order("device_uuid").Find(&rows)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	out := make([]DeviceRow, len(rows))
	for i := range rows {
		out[i] = DeviceRow{
			RolloutDevice: *rows[i].ToApiResource(),
			DeviceId:      rows[i].DeviceUuid,
			Locations:     rows[i].Locations,
		}
	}
	return out, nil
}

func (s *RolloutStore) GetDeviceRow(ctx context.Context, rolloutId uuid.UUID, deviceUuid uuid.UUID) (*DeviceRow, error) {
	var row model.RolloutDevice
	result := s.db.WithContext(ctx).
		Where("rollout_id = ? AND device_uuid = ?", rolloutId, deviceUuid).
		First(&row)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return &DeviceRow{
		RolloutDevice: *row.ToApiResource(),
		DeviceId:      row.DeviceUuid,
		Locations:     row.Locations,
	}, nil
}

func (s *RolloutStore) TransitionDevice(ctx context.Context, rolloutId uuid.UUID, deviceUuid uuid.UUID, from []api.RolloutDeviceStatusType, to api.RolloutDeviceStatusType, update RowUpdate) (bool, error) {
	transitioned := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.RolloutDevice{}).
			Where("rollout_id = ? AND device_uuid = ? AND status IN ?", rolloutId, deviceUuid, statusValues(from)).
			Updates(rowUpdates(to, update))
		if result.Error != nil {
			return fyerrors.ErrorFromGormError(result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.RolloutDevice{}).
				Where("rollout_id = ? AND device_uuid = ?", rolloutId, deviceUuid).
				Count(&count).Error; err != nil {
				return fyerrors.ErrorFromGormError(err)
			}
			if count == 0 {
				return fyerrors.ErrResourceNotFound
			}
			// Row exists but already left the from set; not an error.
			return nil
		}
		transitioned = true
		return s.recountTx(tx, rolloutId)
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

func (s *RolloutStore) TransitionDevices(ctx context.Context, rolloutId uuid.UUID, from []api.RolloutDeviceStatusType, to api.RolloutDeviceStatusType, update RowUpdate) (int64, error) {
	var moved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.RolloutDevice{}).
			Where("rollout_id = ? AND status IN ?", rolloutId, statusValues(from)).
			Updates(rowUpdates(to, update))
		if result.Error != nil {
			return fyerrors.ErrorFromGormError(result.Error)
		}
		moved = result.RowsAffected
		if moved == 0 {
			return nil
		}
		return s.recountTx(tx, rolloutId)
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (s *RolloutStore) ListScheduledForDevice(ctx context.Context, deviceUuid uuid.UUID) ([]ScheduledTarget, error) {
	var targets []ScheduledTarget
	result := s.db.WithContext(ctx).
		Table("rollout_devices").
		Select("rollouts.id AS rollout_id, rollouts.image_name, rollouts.new_tag, rollouts.old_tag").
		Joins("JOIN rollouts ON rollouts.id = rollout_devices.rollout_id").
		Where("rollout_devices.device_uuid = ? AND rollout_devices.status = ? AND rollouts.status = ?",
			deviceUuid, string(api.RolloutDeviceScheduled), string(api.RolloutInProgress)).
		Scan(&targets)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return targets, nil
}

func (s *RolloutStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	result := s.db.WithContext(ctx).
		Model(&model.Rollout{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return counts, nil
}

func statusValues(statuses []api.RolloutDeviceStatusType) []string {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	return values
}

func rowUpdates(to api.RolloutDeviceStatusType, update RowUpdate) map[string]interface{} {
	updates := map[string]interface{}{"status": string(to)}
	if update.Error != "" {
		updates["error"] = update.Error
	}
	if update.ScheduledAt != nil {
		updates["scheduled_at"] = *update.ScheduledAt
	}
	if update.ConvergedAt != nil {
		updates["converged_at"] = *update.ConvergedAt
	}
	if update.HealthCheckedAt != nil {
		updates["health_checked_at"] = *update.HealthCheckedAt
	}
	return updates
}

// recountTx refreshes the rollout's status bucket counters from its rows.
// Running inside the row transition transaction keeps counters and rows
// consistent for every reader.
func (s *RolloutStore) recountTx(tx *gorm.DB, rolloutId uuid.UUID) error {
	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	if err := tx.Model(&model.RolloutDevice{}).
		Select("status, COUNT(*) AS count").
		Where("rollout_id = ?", rolloutId).
		Group("status").
		Scan(&counts).Error; err != nil {
		return fyerrors.ErrorFromGormError(err)
	}

	updates := map[string]interface{}{
		"count_pending":     int64(0),
		"count_scheduled":   int64(0),
		"count_updated":     int64(0),
		"count_healthy":     int64(0),
		"count_unhealthy":   int64(0),
		"count_failed":      int64(0),
		"count_rolled_back": int64(0),
		"count_skipped":     int64(0),
	}
	for _, c := range counts {
		switch api.RolloutDeviceStatusType(c.Status) {
		case api.RolloutDevicePending:
			updates["count_pending"] = c.Count
		case api.RolloutDeviceScheduled:
			updates["count_scheduled"] = c.Count
		case api.RolloutDeviceUpdated:
			updates["count_updated"] = c.Count
		case api.RolloutDeviceHealthy:
			updates["count_healthy"] = c.Count
		case api.RolloutDeviceUnhealthy:
			updates["count_unhealthy"] = c.Count
		case api.RolloutDeviceFailed:
			updates["count_failed"] = c.Count
		case api.RolloutDeviceRolledBack:
			updates["count_rolled_back"] = c.Count
		case api.RolloutDeviceSkipped:
			updates["count_skipped"] = c.Count
		}
	}
	if err := tx.Model(&model.Rollout{}).Where("id = ?", rolloutId).Updates(updates).Error; err != nil {
		return fyerrors.ErrorFromGormError(err)
	}
	return nil
}
