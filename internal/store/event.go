package store

import (
	"context"
	"fmt"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Event interface {
	InitialMigration() error

	Create(ctx context.Context, event *api.Event) error
	List(ctx context.Context, listParams ListParams, filter EventFilter) (*api.EventList, error)
	DeleteOlderThan(ctx context.Context, cutoffTime time.Time) (int64, error)
}

type EventFilter struct {
	Type          api.EventType
	AggregateType api.AggregateType
	AggregateId   string
}

type EventStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Event interface
var _ Event = (*EventStore)(nil)

func NewEvent(db *gorm.DB, log logrus.FieldLogger) Event {
	return &EventStore{db: db, log: log}
}

func (s *EventStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Event{})
}

func (s *EventStore) Create(ctx context.Context, resource *api.Event) error {
	if resource == nil {
		return fyerrors.ErrResourceIsNil
	}
	event := model.NewEventFromApiResource(resource)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	result := s.db.WithContext(ctx).Create(event)
	if result.Error != nil {
		return fyerrors.ErrorFromGormError(result.Error)
	}
	return nil
}

func (s *EventStore) List(ctx context.Context, listParams ListParams, filter EventFilter) (*api.EventList, error) {
	var events []model.Event
	var nextContinue *string

	limit := clampLimit(listParams.Limit)
	query := s.db.WithContext(ctx).Model(&model.Event{})
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}
	if filter.AggregateType != "" {
		query = query.Where("aggregate_type = ?", string(filter.AggregateType))
	}
	if filter.AggregateId != "" {
		query = query.Where("aggregate_id = ?", filter.AggregateId)
	}
	if listParams.Continue != nil {
		createdBefore, err := time.Parse(time.RFC3339Nano, listParams.Continue.Key)
		if err != nil {
			return nil, fyerrors.ErrIllegalEtagFormat
		}
		query = query.Where("created_at < ?", createdBefore)
	}

	result := query.Order("created_at DESC").Limit(limit + 1).Find(&events)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}

	if len(events) > limit {
		events = events[:limit]
		cont, err := BuildContinueString(events[len(events)-1].CreatedAt.Format(time.RFC3339Nano), int64(limit))
		if err != nil {
			return nil, err
		}
		nextContinue = cont
	}

	list := model.EventsToApiResource(events, nextContinue)
	return &list, nil
}

// DeleteOlderThan prunes events past the retention window.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoffTime time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Unscoped().Where("created_at < ?", cutoffTime).Delete(&model.Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
