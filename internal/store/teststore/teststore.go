package teststore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/store/model"
	"github.com/google/uuid"
)

// TestStore is an in-memory store.Store with the same observable semantics
// as the Postgres implementation: version compare-and-swap on target
// states, guarded rollout transitions, counter recounts, idempotent
// approval requests. Service and rollout packages test against it without
// a database.
type TestStore struct {
	mu sync.Mutex

	device       *DeviceStore
	targetState  *TargetStateStore
	currentState *CurrentStateStore
	rollout      *RolloutStore
	image        *ImageStore
	policy       *PolicyStore
	event        *EventStore

	base  time.Time
	ticks int64
}

var _ store.Store = (*TestStore)(nil)

func NewTestStore() *TestStore {
	s := &TestStore{base: time.Now().Add(-time.Hour)}
	s.device = &DeviceStore{s: s, devices: map[uuid.UUID]*deviceRecord{}}
	s.targetState = &TargetStateStore{s: s, states: map[uuid.UUID]*targetStateRecord{}}
	s.currentState = &CurrentStateStore{s: s, states: map[uuid.UUID]*api.CurrentStateInfo{}}
	s.rollout = &RolloutStore{s: s, rollouts: map[uuid.UUID]*rolloutRecord{}}
	s.image = &ImageStore{s: s, images: map[uuid.UUID]*api.Image{}, approvals: map[uuid.UUID]*api.ApprovalRequest{}}
	s.policy = &PolicyStore{s: s, policies: map[uuid.UUID]*api.UpdatePolicy{}}
	s.event = &EventStore{s: s}
	return s
}

// now returns a strictly increasing timestamp so created-at orderings are
// deterministic in tests.
func (s *TestStore) now() time.Time {
	s.ticks++
	return s.base.Add(time.Duration(s.ticks) * time.Millisecond)
}

func (s *TestStore) Device() store.Device             { return s.device }
func (s *TestStore) TargetState() store.TargetState   { return s.targetState }
func (s *TestStore) CurrentState() store.CurrentState { return s.currentState }
func (s *TestStore) Rollout() store.Rollout           { return s.rollout }
func (s *TestStore) Image() store.Image               { return s.image }
func (s *TestStore) Policy() store.Policy             { return s.policy }
func (s *TestStore) Event() store.Event               { return s.event }

func (s *TestStore) InitialMigration() error               { return nil }
func (s *TestStore) CheckHealth(ctx context.Context) error { return nil }
func (s *TestStore) Close() error                          { return nil }

func clone[T any](in T) T {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Devices

type deviceRecord struct {
	device api.Device
	auth   store.DeviceAuthRecord
}

type DeviceStore struct {
	s       *TestStore
	devices map[uuid.UUID]*deviceRecord
}

var _ store.Device = (*DeviceStore)(nil)

func (d *DeviceStore) InitialMigration() error { return nil }

func (d *DeviceStore) Create(ctx context.Context, resource *api.Device, keyHash string) (*api.Device, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	if resource.Name == "" {
		return nil, fyerrors.ErrResourceNameIsNil
	}
	for _, rec := range d.devices {
		if rec.device.Name == resource.Name {
			return nil, fyerrors.ErrDuplicateName
		}
	}
	device := clone(*resource)
	if device.Uuid == "" {
		device.Uuid = uuid.New().String()
	}
	device.IsActive = true
	device.CreatedAt = d.s.now()
	id := uuid.MustParse(device.Uuid)
	d.devices[id] = &deviceRecord{
		device: device,
		auth: store.DeviceAuthRecord{
			DeviceUuid: id,
			Name:       device.Name,
			KeyHash:    keyHash,
			IsActive:   true,
		},
	}
	out := clone(device)
	return &out, nil
}

func (d *DeviceStore) Get(ctx context.Context, deviceUuid uuid.UUID) (*api.Device, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rec, ok := d.devices[deviceUuid]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	out := clone(rec.device)
	return &out, nil
}

func (d *DeviceStore) GetByName(ctx context.Context, name string) (*api.Device, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, rec := range d.devices {
		if rec.device.Name == name {
			out := clone(rec.device)
			return &out, nil
		}
	}
	return nil, fyerrors.ErrResourceNotFound
}

func (d *DeviceStore) List(ctx context.Context, listParams store.ListParams, filter store.DeviceFilter) (*api.DeviceList, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var items []api.Device
	for _, rec := range d.devices {
		if filter.Fleet != "" && rec.device.Fleet != filter.Fleet {
			continue
		}
		if filter.Online != nil && rec.device.IsOnline != *filter.Online {
			continue
		}
		if listParams.Continue != nil && rec.device.Uuid <= listParams.Continue.Key {
			continue
		}
		items = append(items, clone(rec.device))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Uuid < items[j].Uuid })

	var cont *string
	limit := listParams.Limit
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		c, err := store.BuildContinueString(items[len(items)-1].Uuid, int64(limit))
		if err != nil {
			return nil, err
		}
		cont = c
	}
	return &api.DeviceList{Items: items, Metadata: api.ListMeta{Continue: cont}}, nil
}

func (d *DeviceStore) Update(ctx context.Context, resource *api.Device) (*api.Device, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	id, err := uuid.Parse(resource.Uuid)
	if err != nil {
		return nil, fyerrors.ErrResourceNotFound
	}
	rec, ok := d.devices[id]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	rec.device.Name = resource.Name
	rec.device.Type = resource.Type
	rec.device.Fleet = resource.Fleet
	rec.device.Tags = clone(resource.Tags)
	rec.device.IsActive = resource.IsActive
	rec.auth.IsActive = resource.IsActive
	rec.auth.Name = resource.Name
	out := clone(rec.device)
	return &out, nil
}

func (d *DeviceStore) Delete(ctx context.Context, deviceUuid uuid.UUID) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.devices[deviceUuid]; !ok {
		return fyerrors.ErrResourceNotFound
	}
	delete(d.devices, deviceUuid)
	return nil
}

func (d *DeviceStore) GetAuthRecord(ctx context.Context, deviceUuid uuid.UUID) (*store.DeviceAuthRecord, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rec, ok := d.devices[deviceUuid]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	auth := rec.auth
	return &auth, nil
}

func (d *DeviceStore) SetKeyHash(ctx context.Context, deviceUuid uuid.UUID, keyHash string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rec, ok := d.devices[deviceUuid]
	if !ok {
		return fyerrors.ErrResourceNotFound
	}
	rec.auth.KeyHash = keyHash
	rec.auth.KeyRevoked = false
	return nil
}

func (d *DeviceStore) RevokeKey(ctx context.Context, deviceUuid uuid.UUID) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rec, ok := d.devices[deviceUuid]
	if !ok {
		return fyerrors.ErrResourceNotFound
	}
	rec.auth.KeyRevoked = true
	return nil
}

func (d *DeviceStore) MarkSeen(ctx context.Context, deviceUuid uuid.UUID, seenAt time.Time) (*time.Time, bool, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rec, ok := d.devices[deviceUuid]
	if !ok {
		return nil, false, fyerrors.ErrResourceNotFound
	}
	wasOffline := !rec.device.IsOnline
	prior := rec.device.LastSeen
	rec.device.IsOnline = true
	seen := seenAt
	rec.device.LastSeen = &seen
	if !wasOffline {
		return nil, false, nil
	}
	return prior, true, nil
}

func (d *DeviceStore) MarkDisconnected(ctx context.Context, cutoff time.Time) ([]api.Device, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var flipped []api.Device
	for _, rec := range d.devices {
		if rec.device.IsOnline && rec.device.LastSeen != nil && rec.device.LastSeen.Before(cutoff) {
			rec.device.IsOnline = false
			flipped = append(flipped, clone(rec.device))
		}
	}
	sort.Slice(flipped, func(i, j int) bool { return flipped[i].Uuid < flipped[j].Uuid })
	return flipped, nil
}

func (d *DeviceStore) CountByFleet(ctx context.Context) ([]store.FleetCount, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	buckets := map[store.FleetCount]int64{}
	for _, rec := range d.devices {
		key := store.FleetCount{Fleet: rec.device.Fleet, IsOnline: rec.device.IsOnline}
		buckets[key]++
	}
	counts := make([]store.FleetCount, 0, len(buckets))
	for key, n := range buckets {
		key.Count = n
		counts = append(counts, key)
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Fleet != counts[j].Fleet {
			return counts[i].Fleet < counts[j].Fleet
		}
		return !counts[i].IsOnline && counts[j].IsOnline
	})
	return counts, nil
}

// ---------------------------------------------------------------------------
// Target state

type targetStateRecord struct {
	doc     api.TargetState
	version int64
	hash    string
	updated time.Time
}

type TargetStateStore struct {
	s      *TestStore
	states map[uuid.UUID]*targetStateRecord
}

var _ store.TargetState = (*TargetStateStore)(nil)

func (t *TargetStateStore) InitialMigration() error { return nil }

func (t *TargetStateStore) Get(ctx context.Context, deviceUuid uuid.UUID) (*api.TargetStateInfo, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec, ok := t.states[deviceUuid]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	return &api.TargetStateInfo{
		TargetState: clone(rec.doc),
		Version:     rec.version,
		Etag:        rec.hash,
		UpdatedAt:   rec.updated,
	}, nil
}

func (t *TargetStateStore) Create(ctx context.Context, deviceUuid uuid.UUID, doc api.TargetState, hash string) (*api.TargetStateInfo, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.states[deviceUuid]; ok {
		return nil, fyerrors.ErrDuplicateName
	}
	rec := &targetStateRecord{doc: clone(doc), version: 1, hash: hash, updated: t.s.now()}
	t.states[deviceUuid] = rec
	return &api.TargetStateInfo{TargetState: clone(rec.doc), Version: 1, Etag: hash, UpdatedAt: rec.updated}, nil
}

func (t *TargetStateStore) UpdateVersion(ctx context.Context, deviceUuid uuid.UUID, doc api.TargetState, hash string, expectedVersion int64) (*api.TargetStateInfo, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec, ok := t.states[deviceUuid]
	if !ok || rec.version != expectedVersion {
		return nil, fyerrors.ErrNoRowsUpdated
	}
	rec.doc = clone(doc)
	rec.version++
	rec.hash = hash
	rec.updated = t.s.now()
	return &api.TargetStateInfo{TargetState: clone(rec.doc), Version: rec.version, Etag: hash, UpdatedAt: rec.updated}, nil
}

func (t *TargetStateStore) ForEach(ctx context.Context, batchSize int, fn func(deviceUuid uuid.UUID, doc api.TargetState) error) error {
	t.s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return strings.Compare(ids[i].String(), ids[j].String()) < 0 })
	docs := make([]api.TargetState, len(ids))
	for i, id := range ids {
		docs[i] = clone(t.states[id].doc)
	}
	t.s.mu.Unlock()

	for i, id := range ids {
		if err := fn(id, docs[i]); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Current state

type CurrentStateStore struct {
	s      *TestStore
	states map[uuid.UUID]*api.CurrentStateInfo
}

var _ store.CurrentState = (*CurrentStateStore)(nil)

func (c *CurrentStateStore) InitialMigration() error { return nil }

func (c *CurrentStateStore) Get(ctx context.Context, deviceUuid uuid.UUID) (*api.CurrentStateInfo, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	rec, ok := c.states[deviceUuid]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	out := clone(*rec)
	return &out, nil
}

func (c *CurrentStateStore) Upsert(ctx context.Context, deviceUuid uuid.UUID, apps map[string]api.AppStatus, sysInfo *api.SystemInfo, reportedAt time.Time) (*api.CurrentStateInfo, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	rec, ok := c.states[deviceUuid]
	if !ok {
		rec = &api.CurrentStateInfo{}
		c.states[deviceUuid] = rec
	}
	if apps != nil {
		rec.Apps = clone(apps)
	}
	if sysInfo != nil {
		info := clone(*sysInfo)
		rec.SystemInfo = &info
	}
	rec.ReportedAt = reportedAt
	out := clone(*rec)
	return &out, nil
}

// ---------------------------------------------------------------------------
// Rollouts

type rolloutRecord struct {
	rollout api.Rollout
	rows    map[uuid.UUID]*rolloutRowRecord
}

type rolloutRowRecord struct {
	row       api.RolloutDevice
	locations []model.TargetLocation
}

type RolloutStore struct {
	s        *TestStore
	rollouts map[uuid.UUID]*rolloutRecord
}

var _ store.Rollout = (*RolloutStore)(nil)

func (r *RolloutStore) InitialMigration() error { return nil }

func (r *RolloutStore) Create(ctx context.Context, resource *api.Rollout, plan []store.DevicePlan) (*api.Rollout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	rollout := clone(*resource)
	if rollout.Id == "" {
		rollout.Id = uuid.New().String()
	}
	rollout.Status = api.RolloutPending
	rollout.CurrentBatch = 0
	rollout.CreatedAt = r.s.now()
	rollout.Counters = api.RolloutCounters{Pending: int64(len(plan))}

	rec := &rolloutRecord{rollout: rollout, rows: map[uuid.UUID]*rolloutRowRecord{}}
	for _, p := range plan {
		rec.rows[p.DeviceUuid] = &rolloutRowRecord{
			row: api.RolloutDevice{
				RolloutId:   rollout.Id,
				DeviceUuid:  p.DeviceUuid.String(),
				BatchNumber: p.BatchNumber,
				Status:      api.RolloutDevicePending,
			},
			locations: clone(p.Locations),
		}
	}
	r.rollouts[uuid.MustParse(rollout.Id)] = rec
	out := clone(rollout)
	return &out, nil
}

func (r *RolloutStore) Get(ctx context.Context, rolloutId uuid.UUID) (*api.Rollout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.rollouts[rolloutId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	out := clone(rec.rollout)
	return &out, nil
}

func (r *RolloutStore) List(ctx context.Context, listParams store.ListParams, filter store.RolloutFilter) (*api.RolloutList, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var createdBefore *time.Time
	if listParams.Continue != nil {
		parsed, err := time.Parse(time.RFC3339Nano, listParams.Continue.Key)
		if err != nil {
			return nil, fyerrors.ErrIllegalEtagFormat
		}
		createdBefore = &parsed
	}
	var items []api.Rollout
	for _, rec := range r.rollouts {
		if filter.Status != "" && rec.rollout.Status != filter.Status {
			continue
		}
		if filter.ImageName != "" && rec.rollout.ImageName != filter.ImageName {
			continue
		}
		if createdBefore != nil && !rec.rollout.CreatedAt.Before(*createdBefore) {
			continue
		}
		items = append(items, clone(rec.rollout))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	limit := listParams.Limit
	var cont *string
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		c, err := store.BuildContinueString(items[len(items)-1].CreatedAt.Format(time.RFC3339Nano), int64(limit))
		if err != nil {
			return nil, err
		}
		cont = c
	}
	return &api.RolloutList{Items: items, Metadata: api.ListMeta{Continue: cont}}, nil
}

func (r *RolloutStore) ListByStatus(ctx context.Context, statuses ...api.RolloutStatusType) ([]api.Rollout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var items []api.Rollout
	for _, rec := range r.rollouts {
		for _, st := range statuses {
			if rec.rollout.Status == st {
				items = append(items, clone(rec.rollout))
				break
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (r *RolloutStore) CountByStatus(ctx context.Context) ([]store.StatusCount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	buckets := map[string]int64{}
	for _, rec := range r.rollouts {
		buckets[string(rec.rollout.Status)]++
	}
	counts := make([]store.StatusCount, 0, len(buckets))
	for status, n := range buckets {
		counts = append(counts, store.StatusCount{Status: status, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Status < counts[j].Status })
	return counts, nil
}

func (r *RolloutStore) FindActiveByImage(ctx context.Context, imageName string) (*api.Rollout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *api.Rollout
	for _, rec := range r.rollouts {
		if rec.rollout.ImageName != imageName || !rec.rollout.Status.Active() {
			continue
		}
		if found == nil || rec.rollout.CreatedAt.After(found.CreatedAt) {
			c := clone(rec.rollout)
			found = &c
		}
	}
	if found == nil {
		return nil, fyerrors.ErrResourceNotFound
	}
	return found, nil
}

func (r *RolloutStore) Transition(ctx context.Context, rolloutId uuid.UUID, from []api.RolloutStatusType, to api.RolloutStatusType, reason string) (*api.Rollout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.rollouts[rolloutId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	allowed := false
	for _, st := range from {
		if rec.rollout.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fyerrors.ErrInvalidTransition
	}
	rec.rollout.Status = to
	rec.rollout.Reason = reason
	now := r.s.now()
	switch to {
	case api.RolloutInProgress:
		if rec.rollout.StartedAt == nil {
			rec.rollout.StartedAt = &now
		}
	case api.RolloutCompleted, api.RolloutFailed, api.RolloutCancelled, api.RolloutRolledBack:
		rec.rollout.CompletedAt = &now
	}
	out := clone(rec.rollout)
	return &out, nil
}

func (r *RolloutStore) SetCurrentBatch(ctx context.Context, rolloutId uuid.UUID, batch int, startedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.rollouts[rolloutId]
	if !ok {
		return fyerrors.ErrResourceNotFound
	}
	rec.rollout.CurrentBatch = batch
	at := startedAt
	rec.rollout.LastBatchStartedAt = &at
	return nil
}

func (r *RolloutStore) ListDevices(ctx context.Context, rolloutId uuid.UUID) ([]api.RolloutDevice, error) {
	rows, err := r.ListDeviceRows(ctx, rolloutId, nil, nil)
	if err != nil {
		return nil, err
	}
	out := make([]api.RolloutDevice, len(rows))
	for i := range rows {
		out[i] = rows[i].RolloutDevice
	}
	return out, nil
}

func (r *RolloutStore) ListDeviceRows(ctx context.Context, rolloutId uuid.UUID, statuses []api.RolloutDeviceStatusType, batch *int) ([]store.DeviceRow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.rollouts[rolloutId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	var out []store.DeviceRow
	for id, row := range rec.rows {
		if batch != nil && row.row.BatchNumber != *batch {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if row.row.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, store.DeviceRow{
			RolloutDevice: clone(row.row),
			DeviceId:      id,
			Locations:     clone(row.locations),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchNumber != out[j].BatchNumber {
			return out[i].BatchNumber < out[j].BatchNumber
		}
		return out[i].DeviceUuid < out[j].DeviceUuid
	})
	return out, nil
}

func (r *RolloutStore) GetDeviceRow(ctx context.Context, rolloutId uuid.UUID, deviceUuid uuid.UUID) (*store.DeviceRow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.rollouts[rolloutId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	row, ok := rec.rows[deviceUuid]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	return &store.DeviceRow{
		RolloutDevice: clone(row.row),
		DeviceId:      deviceUuid,
		Locations:     clone(row.locations),
	}, nil
}

func (r *RolloutStore) TransitionDevice(ctx context.Context, rolloutId uuid.UUID, deviceUuid uuid.UUID, from []api.RolloutDeviceStatusType, to api.RolloutDeviceStatusType, update store.RowUpdate) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.rollouts[rolloutId]
	if !ok {
		return false, fyerrors.ErrResourceNotFound
	}
	row, ok := rec.rows[deviceUuid]
	if !ok {
		return false, fyerrors.ErrResourceNotFound
	}
	if !r.applyRowTransition(row, from, to, update) {
		return false, nil
	}
	r.recount(rec)
	return true, nil
}

func (r *RolloutStore) TransitionDevices(ctx context.Context, rolloutId uuid.UUID, from []api.RolloutDeviceStatusType, to api.RolloutDeviceStatusType, update store.RowUpdate) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.rollouts[rolloutId]
	if !ok {
		return 0, fyerrors.ErrResourceNotFound
	}
	var moved int64
	for _, row := range rec.rows {
		if r.applyRowTransition(row, from, to, update) {
			moved++
		}
	}
	if moved > 0 {
		r.recount(rec)
	}
	return moved, nil
}

func (r *RolloutStore) applyRowTransition(row *rolloutRowRecord, from []api.RolloutDeviceStatusType, to api.RolloutDeviceStatusType, update store.RowUpdate) bool {
	allowed := false
	for _, st := range from {
		if row.row.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	row.row.Status = to
	if update.Error != "" {
		row.row.Error = update.Error
	}
	if update.ScheduledAt != nil {
		at := *update.ScheduledAt
		row.row.ScheduledAt = &at
	}
	if update.ConvergedAt != nil {
		at := *update.ConvergedAt
		row.row.UpdatedAt = &at
	}
	if update.HealthCheckedAt != nil {
		at := *update.HealthCheckedAt
		row.row.HealthCheckedAt = &at
	}
	return true
}

func (r *RolloutStore) recount(rec *rolloutRecord) {
	var c api.RolloutCounters
	for _, row := range rec.rows {
		switch row.row.Status {
		case api.RolloutDevicePending:
			c.Pending++
		case api.RolloutDeviceScheduled:
			c.Scheduled++
		case api.RolloutDeviceUpdated:
			c.Updated++
		case api.RolloutDeviceHealthy:
			c.Healthy++
		case api.RolloutDeviceUnhealthy:
			c.Unhealthy++
		case api.RolloutDeviceFailed:
			c.Failed++
		case api.RolloutDeviceRolledBack:
			c.RolledBack++
		case api.RolloutDeviceSkipped:
			c.Skipped++
		}
	}
	rec.rollout.Counters = c
}

func (r *RolloutStore) ListScheduledForDevice(ctx context.Context, deviceUuid uuid.UUID) ([]store.ScheduledTarget, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.ScheduledTarget
	for id, rec := range r.rollouts {
		if rec.rollout.Status != api.RolloutInProgress {
			continue
		}
		row, ok := rec.rows[deviceUuid]
		if !ok || row.row.Status != api.RolloutDeviceScheduled {
			continue
		}
		out = append(out, store.ScheduledTarget{
			RolloutId: id,
			ImageName: rec.rollout.ImageName,
			NewTag:    rec.rollout.NewTag,
			OldTag:    rec.rollout.OldTag,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Images

type ImageStore struct {
	s         *TestStore
	images    map[uuid.UUID]*api.Image
	approvals map[uuid.UUID]*api.ApprovalRequest
}

var _ store.Image = (*ImageStore)(nil)

func (i *ImageStore) InitialMigration() error { return nil }

func (i *ImageStore) Create(ctx context.Context, resource *api.Image) (*api.Image, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	if resource.Name == "" {
		return nil, fyerrors.ErrResourceNameIsNil
	}
	for _, img := range i.images {
		if img.Registry == resource.Registry && img.Name == resource.Name {
			return nil, fyerrors.ErrDuplicateName
		}
	}
	image := clone(*resource)
	if image.Id == "" {
		image.Id = uuid.New().String()
	}
	if image.Status == "" {
		image.Status = api.ImagePending
	}
	image.CreatedAt = i.s.now()
	image.UpdatedAt = image.CreatedAt
	i.images[uuid.MustParse(image.Id)] = &image
	out := clone(image)
	return &out, nil
}

func (i *ImageStore) Get(ctx context.Context, imageId uuid.UUID) (*api.Image, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	img, ok := i.images[imageId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	out := clone(*img)
	return &out, nil
}

func (i *ImageStore) GetByName(ctx context.Context, registry string, name string) (*api.Image, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	for _, img := range i.images {
		if img.Registry == registry && img.Name == name {
			out := clone(*img)
			return &out, nil
		}
	}
	return nil, fyerrors.ErrResourceNotFound
}

func (i *ImageStore) List(ctx context.Context, listParams store.ListParams, filter store.ImageFilter) (*api.ImageList, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	var items []api.Image
	for _, img := range i.images {
		if filter.Status != "" && img.Status != filter.Status {
			continue
		}
		if filter.Registry != "" && img.Registry != filter.Registry {
			continue
		}
		if listParams.Continue != nil && img.Name <= listParams.Continue.Key {
			continue
		}
		items = append(items, clone(*img))
	}
	sort.Slice(items, func(a, b int) bool { return items[a].Name < items[b].Name })

	var cont *string
	limit := listParams.Limit
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		c, err := store.BuildContinueString(items[len(items)-1].Name, int64(limit))
		if err != nil {
			return nil, err
		}
		cont = c
	}
	return &api.ImageList{Items: items, Metadata: api.ListMeta{Continue: cont}}, nil
}

func (i *ImageStore) SetStatus(ctx context.Context, imageId uuid.UUID, status api.ImageStatusType) (*api.Image, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	img, ok := i.images[imageId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	img.Status = status
	img.UpdatedAt = i.s.now()
	out := clone(*img)
	return &out, nil
}

func (i *ImageStore) UpsertTag(ctx context.Context, imageId uuid.UUID, tag string) (*api.ImageTag, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	img, ok := i.images[imageId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	for idx := range img.Tags {
		if img.Tags[idx].Tag == tag {
			out := clone(img.Tags[idx])
			return &out, nil
		}
	}
	row := api.ImageTag{Tag: tag, CreatedAt: i.s.now()}
	img.Tags = append(img.Tags, row)
	out := clone(row)
	return &out, nil
}

func (i *ImageStore) GetTag(ctx context.Context, imageId uuid.UUID, tag string) (*api.ImageTag, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	img, ok := i.images[imageId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	for idx := range img.Tags {
		if img.Tags[idx].Tag == tag {
			out := clone(img.Tags[idx])
			return &out, nil
		}
	}
	return nil, fyerrors.ErrResourceNotFound
}

func (i *ImageStore) SetTagFlags(ctx context.Context, imageId uuid.UUID, tag string, deprecated bool, recommended bool) (*api.ImageTag, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	img, ok := i.images[imageId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	for idx := range img.Tags {
		if img.Tags[idx].Tag == tag {
			img.Tags[idx].IsDeprecated = deprecated
			img.Tags[idx].IsRecommended = recommended
			out := clone(img.Tags[idx])
			return &out, nil
		}
	}
	return nil, fyerrors.ErrResourceNotFound
}

func (i *ImageStore) CreateApprovalRequest(ctx context.Context, imageName string, tag string) (*api.ApprovalRequest, bool, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	for _, req := range i.approvals {
		if req.ImageName == imageName {
			out := clone(*req)
			return &out, false, nil
		}
	}
	req := api.ApprovalRequest{
		Id:          uuid.New().String(),
		ImageName:   imageName,
		Tag:         tag,
		Status:      api.ApprovalRequestPending,
		RequestedAt: i.s.now(),
	}
	i.approvals[uuid.MustParse(req.Id)] = &req
	out := clone(req)
	return &out, true, nil
}

func (i *ImageStore) GetApprovalRequest(ctx context.Context, requestId uuid.UUID) (*api.ApprovalRequest, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	req, ok := i.approvals[requestId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	out := clone(*req)
	return &out, nil
}

func (i *ImageStore) ListApprovalRequests(ctx context.Context, listParams store.ListParams, status api.ApprovalRequestStatusType) (*api.ApprovalRequestList, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	var requestedBefore *time.Time
	if listParams.Continue != nil {
		parsed, err := time.Parse(time.RFC3339Nano, listParams.Continue.Key)
		if err != nil {
			return nil, fyerrors.ErrIllegalEtagFormat
		}
		requestedBefore = &parsed
	}
	var items []api.ApprovalRequest
	for _, req := range i.approvals {
		if status != "" && req.Status != status {
			continue
		}
		if requestedBefore != nil && !req.RequestedAt.Before(*requestedBefore) {
			continue
		}
		items = append(items, clone(*req))
	}
	sort.Slice(items, func(a, b int) bool { return items[a].RequestedAt.After(items[b].RequestedAt) })

	var cont *string
	limit := listParams.Limit
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		c, err := store.BuildContinueString(items[len(items)-1].RequestedAt.Format(time.RFC3339Nano), int64(limit))
		if err != nil {
			return nil, err
		}
		cont = c
	}
	return &api.ApprovalRequestList{Items: items, Metadata: api.ListMeta{Continue: cont}}, nil
}

func (i *ImageStore) DecideApprovalRequest(ctx context.Context, requestId uuid.UUID, approve bool, decidedAt time.Time) (*api.ApprovalRequest, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	req, ok := i.approvals[requestId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	if req.Status != api.ApprovalRequestPending {
		return nil, fyerrors.ErrInvalidTransition
	}
	if approve {
		req.Status = api.ApprovalRequestApproved
	} else {
		req.Status = api.ApprovalRequestRejected
	}
	at := decidedAt
	req.DecidedAt = &at
	out := clone(*req)
	return &out, nil
}

// ---------------------------------------------------------------------------
// Policies

type PolicyStore struct {
	s        *TestStore
	policies map[uuid.UUID]*api.UpdatePolicy
}

var _ store.Policy = (*PolicyStore)(nil)

func (p *PolicyStore) InitialMigration() error { return nil }

func (p *PolicyStore) Create(ctx context.Context, resource *api.UpdatePolicy) (*api.UpdatePolicy, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	if resource.Name == "" {
		return nil, fyerrors.ErrResourceNameIsNil
	}
	for _, existing := range p.policies {
		if existing.Name == resource.Name {
			return nil, fyerrors.ErrDuplicateName
		}
	}
	policy := clone(*resource)
	if policy.Id == "" {
		policy.Id = uuid.New().String()
	}
	policy.CreatedAt = p.s.now()
	policy.UpdatedAt = policy.CreatedAt
	p.policies[uuid.MustParse(policy.Id)] = &policy
	out := clone(policy)
	return &out, nil
}

func (p *PolicyStore) Get(ctx context.Context, policyId uuid.UUID) (*api.UpdatePolicy, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	policy, ok := p.policies[policyId]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	out := clone(*policy)
	return &out, nil
}

func (p *PolicyStore) List(ctx context.Context, listParams store.ListParams) (*api.UpdatePolicyList, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	var items []api.UpdatePolicy
	for _, policy := range p.policies {
		if listParams.Continue != nil && policy.Name <= listParams.Continue.Key {
			continue
		}
		items = append(items, clone(*policy))
	}
	sort.Slice(items, func(a, b int) bool { return items[a].Name < items[b].Name })

	var cont *string
	limit := listParams.Limit
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		c, err := store.BuildContinueString(items[len(items)-1].Name, int64(limit))
		if err != nil {
			return nil, err
		}
		cont = c
	}
	return &api.UpdatePolicyList{Items: items, Metadata: api.ListMeta{Continue: cont}}, nil
}

func (p *PolicyStore) ListEnabled(ctx context.Context) ([]api.UpdatePolicy, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	var items []api.UpdatePolicy
	for _, policy := range p.policies {
		if policy.Enabled {
			items = append(items, clone(*policy))
		}
	}
	sort.Slice(items, func(a, b int) bool { return items[a].Name < items[b].Name })
	return items, nil
}

func (p *PolicyStore) Update(ctx context.Context, resource *api.UpdatePolicy) (*api.UpdatePolicy, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	id, err := uuid.Parse(resource.Id)
	if err != nil {
		return nil, fyerrors.ErrResourceNotFound
	}
	existing, ok := p.policies[id]
	if !ok {
		return nil, fyerrors.ErrResourceNotFound
	}
	updated := clone(*resource)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = p.s.now()
	p.policies[id] = &updated
	out := clone(updated)
	return &out, nil
}

func (p *PolicyStore) Delete(ctx context.Context, policyId uuid.UUID) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, ok := p.policies[policyId]; !ok {
		return fyerrors.ErrResourceNotFound
	}
	delete(p.policies, policyId)
	return nil
}

// ---------------------------------------------------------------------------
// Events

type EventStore struct {
	s      *TestStore
	events []api.Event
}

var _ store.Event = (*EventStore)(nil)

func (e *EventStore) InitialMigration() error { return nil }

func (e *EventStore) Create(ctx context.Context, resource *api.Event) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if resource == nil {
		return fyerrors.ErrResourceIsNil
	}
	event := clone(*resource)
	if event.Id == "" {
		event.Id = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.s.now()
	}
	e.events = append(e.events, event)
	return nil
}

func (e *EventStore) List(ctx context.Context, listParams store.ListParams, filter store.EventFilter) (*api.EventList, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	var createdBefore *time.Time
	if listParams.Continue != nil {
		parsed, err := time.Parse(time.RFC3339Nano, listParams.Continue.Key)
		if err != nil {
			return nil, fyerrors.ErrIllegalEtagFormat
		}
		createdBefore = &parsed
	}
	var items []api.Event
	for _, ev := range e.events {
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.AggregateType != "" && ev.AggregateType != filter.AggregateType {
			continue
		}
		if filter.AggregateId != "" && ev.AggregateId != filter.AggregateId {
			continue
		}
		if createdBefore != nil && !ev.Timestamp.Before(*createdBefore) {
			continue
		}
		items = append(items, clone(ev))
	}
	sort.Slice(items, func(a, b int) bool { return items[a].Timestamp.After(items[b].Timestamp) })

	var cont *string
	limit := listParams.Limit
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		c, err := store.BuildContinueString(items[len(items)-1].Timestamp.Format(time.RFC3339Nano), int64(limit))
		if err != nil {
			return nil, err
		}
		cont = c
	}
	return &api.EventList{Items: items, Metadata: api.ListMeta{Continue: cont}}, nil
}

func (e *EventStore) DeleteOlderThan(ctx context.Context, cutoffTime time.Time) (int64, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	var kept []api.Event
	var deleted int64
	for _, ev := range e.events {
		if ev.Timestamp.Before(cutoffTime) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	e.events = kept
	return deleted, nil
}
