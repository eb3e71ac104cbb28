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
	"gorm.io/gorm/clause"
)

type Device interface {
	InitialMigration() error
	Create(ctx context.Context, device *api.Device, keyHash string) (*api.Device, error)
	Get(ctx context.Context, deviceUuid uuid.UUID) (*api.Device, error)
	GetByName(ctx context.Context, name string) (*api.Device, error)
	List(ctx context.Context, listParams ListParams, filter DeviceFilter) (*api.DeviceList, error)
	Update(ctx context.Context, device *api.Device) (*api.Device, error)
	Delete(ctx context.Context, deviceUuid uuid.UUID) error
	GetAuthRecord(ctx context.Context, deviceUuid uuid.UUID) (*DeviceAuthRecord, error)
	SetKeyHash(ctx context.Context, deviceUuid uuid.UUID, keyHash string) error
	RevokeKey(ctx context.Context, deviceUuid uuid.UUID) error
	MarkSeen(ctx context.Context, deviceUuid uuid.UUID, seenAt time.Time) (priorLastSeen *time.Time, wasOffline bool, err error)
	MarkDisconnected(ctx context.Context, cutoff time.Time) ([]api.Device, error)
	// CountByFleet returns device totals grouped by fleet and online flag,
	// for metrics.
	CountByFleet(ctx context.Context) ([]FleetCount, error)
}

// FleetCount is one GROUP BY fleet, is_online bucket.
type FleetCount struct {
	Fleet    string
	IsOnline bool
	Count    int64
}

// DeviceFilter narrows List results. Zero values mean no constraint.
type DeviceFilter struct {
	Fleet  string
	Online *bool
}

// DeviceAuthRecord is the credential subset the authenticator needs; the
// key hash is deliberately kept off api.Device.
type DeviceAuthRecord struct {
	DeviceUuid uuid.UUID
	Name       string
	KeyHash    string
	IsActive   bool
	KeyRevoked bool
}

type DeviceStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Device interface
var _ Device = (*DeviceStore)(nil)

func NewDevice(db *gorm.DB, log logrus.FieldLogger) Device {
	return &DeviceStore{db: db, log: log}
}

func (s *DeviceStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Device{})
}

func (s *DeviceStore) Create(ctx context.Context, resource *api.Device, keyHash string) (*api.Device, error) {
	log := log.WithReqIDFromCtx(ctx, s.log)
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	if resource.Name == "" {
		return nil, fyerrors.ErrResourceNameIsNil
	}
	device, err := model.NewDeviceFromApiResource(resource)
	if err != nil {
		return nil, err
	}
	device.ApiKeyHash = keyHash
	device.IsActive = true

	result := s.db.WithContext(ctx).Create(device)
	log.Debugf("db.Create(%s): %d rows affected, error is %v", device.Name, result.RowsAffected, result.Error)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return device.ToApiResource(), nil
}

func (s *DeviceStore) Get(ctx context.Context, deviceUuid uuid.UUID) (*api.Device, error) {
	device := model.Device{Uuid: deviceUuid}
	result := s.db.WithContext(ctx).First(&device)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return device.ToApiResource(), nil
}

func (s *DeviceStore) GetByName(ctx context.Context, name string) (*api.Device, error) {
	var device model.Device
	result := s.db.WithContext(ctx).Where("name = ?", name).First(&device)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return device.ToApiResource(), nil
}

func (s *DeviceStore) List(ctx context.Context, listParams ListParams, filter DeviceFilter) (*api.DeviceList, error) {
	var devices []model.Device
	var nextContinue *string

	limit := clampLimit(listParams.Limit)
	query := s.db.WithContext(ctx).Model(&model.Device{})
	if filter.Fleet != "" {
		query = query.Where("fleet = ?", filter.Fleet)
	}
	if filter.Online != nil {
		query = query.Where("is_online = ?", *filter.Online)
	}
	if listParams.Continue != nil {
		query = query.Where("uuid > ?", listParams.Continue.Key)
	}

	// Request one more than asked for to learn whether a continue token is
	// needed.
	result := query.Order("uuid").Limit(limit + 1).Find(&devices)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}

	if len(devices) > limit {
		devices = devices[:limit]
		cont, err := BuildContinueString(devices[len(devices)-1].Uuid.String(), int64(limit))
		if err != nil {
			return nil, err
		}
		nextContinue = cont
	}

	list := model.DevicesToApiResource(devices, nextContinue)
	return &list, nil
}

func (s *DeviceStore) Update(ctx context.Context, resource *api.Device) (*api.Device, error) {
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	deviceUuid, err := uuid.Parse(resource.Uuid)
	if err != nil {
		return nil, fyerrors.ErrResourceNotFound
	}

	updates := map[string]interface{}{
		"name":      resource.Name,
		"type":      resource.Type,
		"fleet":     resource.Fleet,
		"tags":      model.JSONSlice[string](resource.Tags),
		"is_active": resource.IsActive,
	}
	result := s.db.WithContext(ctx).Model(&model.Device{}).Where("uuid = ?", deviceUuid).Updates(updates)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fyerrors.ErrResourceNotFound
	}
	return s.Get(ctx, deviceUuid)
}

func (s *DeviceStore) Delete(ctx context.Context, deviceUuid uuid.UUID) error {
	result := s.db.WithContext(ctx).Unscoped().Delete(&model.Device{Uuid: deviceUuid})
	if result.Error != nil {
		return fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fyerrors.ErrResourceNotFound
	}
	return nil
}

func (s *DeviceStore) GetAuthRecord(ctx context.Context, deviceUuid uuid.UUID) (*DeviceAuthRecord, error) {
	device := model.Device{Uuid: deviceUuid}
	result := s.db.WithContext(ctx).First(&device)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return &DeviceAuthRecord{
		DeviceUuid: device.Uuid,
		Name:       device.Name,
		KeyHash:    device.ApiKeyHash,
		IsActive:   device.IsActive,
		KeyRevoked: device.KeyRevoked,
	}, nil
}

func (s *DeviceStore) SetKeyHash(ctx context.Context, deviceUuid uuid.UUID, keyHash string) error {
	result := s.db.WithContext(ctx).Model(&model.Device{}).Where("uuid = ?", deviceUuid).Updates(map[string]interface{}{
		"api_key_hash": keyHash,
		"key_revoked":  false,
	})
	if result.Error != nil {
		return fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fyerrors.ErrResourceNotFound
	}
	return nil
}

// RevokeKey invalidates the current key without issuing a replacement.
// The next SetKeyHash clears the flag.
func (s *DeviceStore) RevokeKey(ctx context.Context, deviceUuid uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&model.Device{}).Where("uuid = ?", deviceUuid).Update("key_revoked", true)
	if result.Error != nil {
		return fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fyerrors.ErrResourceNotFound
	}
	return nil
}

// MarkSeen records polling activity. The common path is a single statement
// matching already-online devices; only the offline-to-online flip pays a
// read, to capture the prior last_seen for the online event.
func (s *DeviceStore) MarkSeen(ctx context.Context, deviceUuid uuid.UUID, seenAt time.Time) (*time.Time, bool, error) {
	result := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("uuid = ? AND is_online = ?", deviceUuid, true).
		Update("last_seen", seenAt)
	if result.Error != nil {
		return nil, false, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected > 0 {
		return nil, false, nil
	}

	var prior model.Device
	if err := s.db.WithContext(ctx).Where("uuid = ?", deviceUuid).First(&prior).Error; err != nil {
		return nil, false, fyerrors.ErrorFromGormError(err)
	}

	result = s.db.WithContext(ctx).Model(&model.Device{}).
		Where("uuid = ? AND is_online = ?", deviceUuid, false).
		Updates(map[string]interface{}{"is_online": true, "last_seen": seenAt})
	if result.Error != nil {
		return nil, false, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected > 0 {
		return prior.LastSeen, true, nil
	}

	// Lost the flip race to a concurrent poll; that poll reports the
	// transition, this one just refreshes last_seen.
	result = s.db.WithContext(ctx).Model(&model.Device{}).
		Where("uuid = ?", deviceUuid).
		Update("last_seen", seenAt)
	if result.Error != nil {
		return nil, false, fyerrors.ErrorFromGormError(result.Error)
	}
	return nil, false, nil
}

func (s *DeviceStore) MarkDisconnected(ctx context.Context, cutoff time.Time) ([]api.Device, error) {
	log := log.WithReqIDFromCtx(ctx, s.log)
	var flipped []model.Device
	result := s.db.WithContext(ctx).Model(&flipped).
		Clauses(clause.Returning{}).
		Where("is_online = ? AND last_seen < ?", true, cutoff).
		Update("is_online", false)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected > 0 {
		log.Infof("marked %d devices disconnected", result.RowsAffected)
	}
	out := make([]api.Device, len(flipped))
	for i := range flipped {
		out[i] = *flipped[i].ToApiResource()
	}
	return out, nil
}

func (s *DeviceStore) CountByFleet(ctx context.Context) ([]FleetCount, error) {
	var counts []FleetCount
	result := s.db.WithContext(ctx).
		Model(&model.Device{}).
		Select("fleet, is_online, COUNT(*) AS count").
		Group("fleet").Group("is_online").
		Scan(&counts)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return counts, nil
}
