package store

import (
	"context"
	b64 "encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var CurrentContinueVersion = 1

const (
	MaxRecordsPerListRequest = 1000

	// retryIterations bounds optimistic-concurrency retries on version
	// conflicts before the error is surfaced to the caller.
	retryIterations = 3
)

type Store interface {
	Device() Device
	TargetState() TargetState
	CurrentState() CurrentState
	Rollout() Rollout
	Image() Image
	Policy() Policy
	Event() Event
	InitialMigration() error
	CheckHealth(ctx context.Context) error
	Close() error
}

type DataStore struct {
	device       Device
	targetState  TargetState
	currentState CurrentState
	rollout      Rollout
	image        Image
	policy       Policy
	event        Event

	db *gorm.DB
}

func NewStore(db *gorm.DB, log logrus.FieldLogger) Store {
	return &DataStore{
		device:       NewDevice(db, log),
		targetState:  NewTargetState(db, log),
		currentState: NewCurrentState(db, log),
		rollout:      NewRollout(db, log),
		image:        NewImage(db, log),
		policy:       NewPolicy(db, log),
		event:        NewEvent(db, log),
		db:           db,
	}
}

func (s *DataStore) Device() Device {
	return s.device
}

func (s *DataStore) TargetState() TargetState {
	return s.targetState
}

func (s *DataStore) CurrentState() CurrentState {
	return s.currentState
}

func (s *DataStore) Rollout() Rollout {
	return s.rollout
}

func (s *DataStore) Image() Image {
	return s.image
}

func (s *DataStore) Policy() Policy {
	return s.policy
}

func (s *DataStore) Event() Event {
	return s.event
}

func (s *DataStore) InitialMigration() error {
	if err := s.Device().InitialMigration(); err != nil {
		return err
	}
	if err := s.TargetState().InitialMigration(); err != nil {
		return err
	}
	if err := s.CurrentState().InitialMigration(); err != nil {
		return err
	}
	if err := s.Rollout().InitialMigration(); err != nil {
		return err
	}
	if err := s.Image().InitialMigration(); err != nil {
		return err
	}
	if err := s.Policy().InitialMigration(); err != nil {
		return err
	}
	return s.Event().InitialMigration()
}

func (s *DataStore) CheckHealth(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type ListParams struct {
	Limit    int
	Continue *Continue
}

// Continue carries keyset pagination state between list calls. Key is the
// ordering value of the last item returned.
type Continue struct {
	Version int
	Key     string
	Count   int64
}

func ParseContinueString(contStr *string) (*Continue, error) {
	var cont Continue

	if contStr == nil {
		return nil, nil
	}

	sDec, err := b64.StdEncoding.DecodeString(*contStr)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sDec, &cont); err != nil {
		return nil, err
	}
	if cont.Version != CurrentContinueVersion {
		return nil, fmt.Errorf("continue string version %d must be %d", cont.Version, CurrentContinueVersion)
	}

	return &cont, nil
}

func BuildContinueString(key string, count int64) (*string, error) {
	cont := Continue{
		Version: CurrentContinueVersion,
		Key:     key,
		Count:   count,
	}
	raw, err := json.Marshal(&cont)
	if err != nil {
		return nil, err
	}
	enc := b64.StdEncoding.EncodeToString(raw)
	return &enc, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxRecordsPerListRequest {
		return MaxRecordsPerListRequest
	}
	return limit
}
