package events

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/sirupsen/logrus"
)

// Publisher appends domain events to the event store. Publishing is
// best-effort: the event log is an audit trail, so a failed insert is
// logged and swallowed rather than failing the operation that produced it.
type Publisher struct {
	store       store.Event
	log         logrus.FieldLogger
	source      string
	denied      map[api.EventType]struct{}
	sampleRates map[api.EventType]float64
}

type Option func(*Publisher)

// WithFilter drops the given event types entirely.
func WithFilter(types ...api.EventType) Option {
	return func(p *Publisher) {
		for _, t := range types {
			p.denied[t] = struct{}{}
		}
	}
}

// WithSampling keeps only the given fraction of events of a type. Useful
// for high-churn types like health check results on large fleets.
func WithSampling(eventType api.EventType, rate float64) Option {
	return func(p *Publisher) {
		if rate < 0 {
			rate = 0
		}
		if rate > 1 {
			rate = 1
		}
		p.sampleRates[eventType] = rate
	}
}

func NewPublisher(eventStore store.Event, source string, log logrus.FieldLogger, opts ...Option) *Publisher {
	p := &Publisher{
		store:       eventStore,
		log:         log,
		source:      source,
		denied:      map[api.EventType]struct{}{},
		sampleRates: map[api.EventType]float64{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish records one event. Data is marshaled to JSON; pass nil for
// events without a payload.
func (p *Publisher) Publish(ctx context.Context, eventType api.EventType, aggregateType api.AggregateType, aggregateId string, data interface{}) {
	if _, ok := p.denied[eventType]; ok {
		return
	}
	if rate, ok := p.sampleRates[eventType]; ok && rand.Float64() >= rate {
		return
	}

	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			p.log.WithError(err).Warnf("failed to encode %s event payload", eventType)
		} else {
			raw = encoded
		}
	}

	event := &api.Event{
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateId:   aggregateId,
		Data:          raw,
		Source:        p.source,
		Timestamp:     time.Now(),
	}
	if err := p.store.Create(ctx, event); err != nil {
		p.log.WithError(err).Warnf("failed to publish event %s for %s %s", eventType, aggregateType, aggregateId)
	}
}
