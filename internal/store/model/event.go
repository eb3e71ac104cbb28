package model

import (
	"encoding/json"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is an append-only audit row. Events are never updated; the table is
// pruned by retention housekeeping only.
type Event struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Type          string `gorm:"index"`
	AggregateType string `gorm:"index:idx_events_aggregate"`
	AggregateID   string `gorm:"index:idx_events_aggregate"`

	Data   *JSONField[json.RawMessage] `gorm:"type:jsonb"`
	Source string

	CreatedAt time.Time `gorm:"index"`
}

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func NewEventFromApiResource(resource *api.Event) *Event {
	if resource == nil {
		return &Event{}
	}
	e := &Event{
		Type:          string(resource.Type),
		AggregateType: string(resource.AggregateType),
		AggregateID:   resource.AggregateId,
		Source:        resource.Source,
		CreatedAt:     resource.Timestamp,
	}
	if len(resource.Data) > 0 {
		e.Data = MakeJSONField(resource.Data)
	}
	return e
}

func (e *Event) ToApiResource() *api.Event {
	if e == nil {
		return &api.Event{}
	}
	out := &api.Event{
		Id:            e.ID.String(),
		Type:          api.EventType(e.Type),
		AggregateType: api.AggregateType(e.AggregateType),
		AggregateId:   e.AggregateID,
		Source:        e.Source,
		Timestamp:     e.CreatedAt,
	}
	if e.Data != nil {
		out.Data = e.Data.Data
	}
	return out
}

func EventsToApiResource(events []Event, cont *string) api.EventList {
	items := make([]api.Event, len(events))
	for i := range events {
		items[i] = *events[i].ToApiResource()
	}
	return api.EventList{
		Items:    items,
		Metadata: api.ListMeta{Continue: cont},
	}
}
