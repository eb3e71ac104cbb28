// Package targetstate owns every write to device target state documents.
// All mutations funnel through one compare-and-swap loop so concurrent
// writers (admin API, rollout activation, rollback) serialize on the
// document version instead of clobbering each other.
package targetstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// updateRetries bounds how often a mutation is replayed on version
// conflicts before giving up with ErrUpdateConflict.
const updateRetries = 3

type Service struct {
	store  store.Store
	events *events.Publisher
	log    logrus.FieldLogger
}

func NewService(st store.Store, publisher *events.Publisher, log logrus.FieldLogger) *Service {
	return &Service{store: st, events: publisher, log: log}
}

func (s *Service) Get(ctx context.Context, deviceUuid uuid.UUID) (*api.TargetStateInfo, error) {
	return s.store.TargetState().Get(ctx, deviceUuid)
}

// Update replaces the device's whole document. Writing a document whose
// canonical hash equals the stored one is a no-op: no version bump, no
// event, same ETag for pollers.
func (s *Service) Update(ctx context.Context, deviceUuid uuid.UUID, doc api.TargetState) (*api.TargetStateInfo, error) {
	if err := validateDocument(&doc); err != nil {
		return nil, err
	}
	var oldApps map[string]api.App
	info, changed, err := s.mutate(ctx, deviceUuid, func(current *api.TargetState) error {
		oldApps = current.Apps
		*current = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.events.Publish(ctx, api.EventTargetStateUpdated, api.AggregateDevice, deviceUuid.String(), map[string]interface{}{
			"version": info.Version,
			"etag":    info.Etag,
			"oldApps": oldApps,
			"newApps": doc.Apps,
		})
	}
	return info, nil
}

// SetImageForService rewrites the image reference of one service inside the
// document, preserving whichever locations (service-level field, config
// entry, or both) the document already uses. It returns ErrNoImageLocation
// when the service carries no image field, and ErrResourceNotFound when the
// app or service does not exist.
func (s *Service) SetImageForService(ctx context.Context, deviceUuid uuid.UUID, appId int64, serviceId int64, imageRef string) (*api.TargetStateInfo, bool, error) {
	info, changed, err := s.mutate(ctx, deviceUuid, func(current *api.TargetState) error {
		return setImage(current, appId, serviceId, imageRef)
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.publishUpdated(ctx, deviceUuid, info)
	}
	return info, changed, nil
}

// mutate loads the document, applies fn, and persists the result guarded by
// the version read. A hash-equal result short-circuits without a write. On
// a version conflict the whole cycle replays against the fresh document.
func (s *Service) mutate(ctx context.Context, deviceUuid uuid.UUID, fn func(doc *api.TargetState) error) (*api.TargetStateInfo, bool, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		current, err := s.store.TargetState().Get(ctx, deviceUuid)
		exists := true
		if err != nil {
			if !errors.Is(err, fyerrors.ErrResourceNotFound) {
				return nil, false, err
			}
			exists = false
			current = &api.TargetStateInfo{TargetState: api.TargetState{Apps: map[string]api.App{}}}
		}

		doc := current.TargetState
		if err := fn(&doc); err != nil {
			return nil, false, err
		}

		hash, err := api.CanonicalHash(doc)
		if err != nil {
			return nil, false, err
		}
		if exists && hash == current.Etag {
			return current, false, nil
		}

		if !exists {
			info, err := s.store.TargetState().Create(ctx, deviceUuid, doc, hash)
			if err != nil {
				if errors.Is(err, fyerrors.ErrDuplicateName) {
					continue
				}
				return nil, false, err
			}
			return info, true, nil
		}

		info, err := s.store.TargetState().UpdateVersion(ctx, deviceUuid, doc, hash, current.Version)
		if err != nil {
			if errors.Is(err, fyerrors.ErrNoRowsUpdated) {
				continue
			}
			return nil, false, err
		}
		return info, true, nil
	}
	return nil, false, fyerrors.ErrUpdateConflict
}

func (s *Service) publishUpdated(ctx context.Context, deviceUuid uuid.UUID, info *api.TargetStateInfo) {
	s.events.Publish(ctx, api.EventTargetStateUpdated, api.AggregateDevice, deviceUuid.String(), map[string]interface{}{
		"version": info.Version,
		"etag":    info.Etag,
	})
}

func setImage(doc *api.TargetState, appId int64, serviceId int64, imageRef string) error {
	key, app, ok := findApp(doc, appId)
	if !ok {
		return fyerrors.ErrResourceNotFound
	}
	for i := range app.Services {
		if app.Services[i].Id != serviceId {
			continue
		}
		if !app.Services[i].SetImage(imageRef) {
			return fyerrors.ErrNoImageLocation
		}
		doc.Apps[key] = app
		return nil
	}
	return fyerrors.ErrResourceNotFound
}

// findApp resolves an app by its map key first and falls back to scanning
// app ids, since documents written by older agents key apps loosely.
func findApp(doc *api.TargetState, appId int64) (string, api.App, bool) {
	key := strconv.FormatInt(appId, 10)
	if app, ok := doc.Apps[key]; ok {
		return key, app, true
	}
	for k, app := range doc.Apps {
		if app.Id == appId {
			return k, app, true
		}
	}
	return "", api.App{}, false
}

func validateDocument(doc *api.TargetState) error {
	if doc.Apps == nil {
		doc.Apps = map[string]api.App{}
	}
	for key, app := range doc.Apps {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("app key %q is not a decimal id", key)
		}
		if app.Id != 0 && app.Id != id {
			return fmt.Errorf("app key %q does not match app id %d", key, app.Id)
		}
	}
	return nil
}
