package store

import (
	"context"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TargetState interface {
	InitialMigration() error
	Get(ctx context.Context, deviceUuid uuid.UUID) (*api.TargetStateInfo, error)
	// Create writes the first version of a device's document. It fails with
	// ErrDuplicateName when a document already exists.
	Create(ctx context.Context, deviceUuid uuid.UUID, doc api.TargetState, hash string) (*api.TargetStateInfo, error)
	// UpdateVersion is the compare-and-swap write: it replaces the document
	// only while the stored version still equals expectedVersion, and fails
	// with ErrNoRowsUpdated otherwise. Retrying on conflict is the caller's
	// job.
	UpdateVersion(ctx context.Context, deviceUuid uuid.UUID, doc api.TargetState, hash string, expectedVersion int64) (*api.TargetStateInfo, error)
	// ForEach streams every document in primary-key order, batchSize rows
	// per query. Iteration stops at the first fn error.
	ForEach(ctx context.Context, batchSize int, fn func(deviceUuid uuid.UUID, doc api.TargetState) error) error
}

type TargetStateStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ TargetState = (*TargetStateStore)(nil)

func NewTargetState(db *gorm.DB, log logrus.FieldLogger) TargetState {
	return &TargetStateStore{db: db, log: log}
}

func (s *TargetStateStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.DeviceTargetState{})
}

func (s *TargetStateStore) Get(ctx context.Context, deviceUuid uuid.UUID) (*api.TargetStateInfo, error) {
	state := model.DeviceTargetState{DeviceUuid: deviceUuid}
	result := s.db.WithContext(ctx).First(&state)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	info := state.ToApiResource()
	return &info, nil
}

func (s *TargetStateStore) Create(ctx context.Context, deviceUuid uuid.UUID, doc api.TargetState, hash string) (*api.TargetStateInfo, error) {
	state := model.DeviceTargetState{
		DeviceUuid: deviceUuid,
		Apps:       model.MakeJSONField(doc.Apps),
		Config:     model.MakeJSONField(doc.Config),
		Version:    1,
		Hash:       hash,
		UpdatedAt:  time.Now(),
	}
	result := s.db.WithContext(ctx).Create(&state)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	info := state.ToApiResource()
	return &info, nil
}

func (s *TargetStateStore) UpdateVersion(ctx context.Context, deviceUuid uuid.UUID, doc api.TargetState, hash string, expectedVersion int64) (*api.TargetStateInfo, error) {
	updatedAt := time.Now()
	result := s.db.WithContext(ctx).Model(&model.DeviceTargetState{}).
		Where("device_uuid = ? AND version = ?", deviceUuid, expectedVersion).
		Updates(map[string]interface{}{
			"apps":       model.MakeJSONField(doc.Apps),
			"config":     model.MakeJSONField(doc.Config),
			"hash":       hash,
			"version":    gorm.Expr("version + 1"),
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fyerrors.ErrNoRowsUpdated
	}
	return &api.TargetStateInfo{
		TargetState: doc,
		Version:     expectedVersion + 1,
		Etag:        hash,
		UpdatedAt:   updatedAt,
	}, nil
}

func (s *TargetStateStore) ForEach(ctx context.Context, batchSize int, fn func(deviceUuid uuid.UUID, doc api.TargetState) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var lastUuid uuid.UUID
	for {
		var states []model.DeviceTargetState
		result := s.db.WithContext(ctx).
			Where("device_uuid > ?", lastUuid).
			Order("device_uuid").
			Limit(batchSize).
			Find(&states)
		if result.Error != nil {
			return fyerrors.ErrorFromGormError(result.Error)
		}
		for i := range states {
			if err := fn(states[i].DeviceUuid, states[i].ToApiDocument()); err != nil {
				return err
			}
		}
		if len(states) < batchSize {
			return nil
		}
		lastUuid = states[len(states)-1].DeviceUuid
	}
}

type CurrentState interface {
	InitialMigration() error
	Get(ctx context.Context, deviceUuid uuid.UUID) (*api.CurrentStateInfo, error)
	// Upsert stores a device report. A nil apps map is a heartbeat-style
	// report; previously stored apps are preserved. Likewise for sysInfo.
	Upsert(ctx context.Context, deviceUuid uuid.UUID, apps map[string]api.AppStatus, sysInfo *api.SystemInfo, reportedAt time.Time) (*api.CurrentStateInfo, error)
}

type CurrentStateStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ CurrentState = (*CurrentStateStore)(nil)

func NewCurrentState(db *gorm.DB, log logrus.FieldLogger) CurrentState {
	return &CurrentStateStore{db: db, log: log}
}

func (s *CurrentStateStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.DeviceCurrentState{})
}

func (s *CurrentStateStore) Get(ctx context.Context, deviceUuid uuid.UUID) (*api.CurrentStateInfo, error) {
	state := model.DeviceCurrentState{DeviceUuid: deviceUuid}
	result := s.db.WithContext(ctx).First(&state)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	info := state.ToApiResource()
	return &info, nil
}

func (s *CurrentStateStore) Upsert(ctx context.Context, deviceUuid uuid.UUID, apps map[string]api.AppStatus, sysInfo *api.SystemInfo, reportedAt time.Time) (*api.CurrentStateInfo, error) {
	state := model.DeviceCurrentState{
		DeviceUuid: deviceUuid,
		ReportedAt: reportedAt,
	}
	assignments := map[string]interface{}{"reported_at": reportedAt}
	if apps != nil {
		state.Apps = model.MakeJSONField(apps)
		assignments["apps"] = model.MakeJSONField(apps)
	}
	if sysInfo != nil {
		state.SystemInfo = model.MakeJSONField(*sysInfo)
		assignments["system_info"] = model.MakeJSONField(*sysInfo)
	}

	// On conflict only the supplied sections are assigned, which is what
	// keeps partial reports from clobbering stored ones.
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_uuid"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&state)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return s.Get(ctx, deviceUuid)
}
