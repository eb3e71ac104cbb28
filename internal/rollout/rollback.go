package rollout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/targetstate"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// revertibleStatuses are the row states whose target documents have already
// been rewritten to the new tag.
var revertibleStatuses = []api.RolloutDeviceStatusType{
	api.RolloutDeviceScheduled,
	api.RolloutDeviceUpdated,
	api.RolloutDeviceHealthy,
	api.RolloutDeviceUnhealthy,
}

// Coordinator restores the pre-rollout tag in device target states, one
// device at a time or across a whole rollout with bounded concurrency.
type Coordinator struct {
	store        store.Store
	targetStates *targetstate.Service
	events       *events.Publisher
	log          logrus.FieldLogger
	concurrency  int64
}

func NewCoordinator(st store.Store, targetStates *targetstate.Service, publisher *events.Publisher, concurrency int, log logrus.FieldLogger) *Coordinator {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Coordinator{
		store:        st,
		targetStates: targetStates,
		events:       publisher,
		log:          log,
		concurrency:  int64(concurrency),
	}
}

// RollbackDevice writes the old tag back into every recorded location of the
// device's target document and marks the row rolled back. A write failure
// marks the row failed instead and is returned; sibling rollbacks are not
// affected.
func (c *Coordinator) RollbackDevice(ctx context.Context, rollout *api.Rollout, row store.DeviceRow) error {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	ref := rollout.ImageName + ":" + rollout.OldTag

	var writeErr error
	for _, loc := range row.Locations {
		if _, _, err := c.targetStates.SetImageForService(ctx, row.DeviceId, loc.AppID, loc.ServiceID, ref); err != nil {
			writeErr = fmt.Errorf("restoring %s on app %d service %d: %w", ref, loc.AppID, loc.ServiceID, err)
			break
		}
	}

	if writeErr != nil {
		if _, err := c.store.Rollout().TransitionDevice(ctx, rolloutId, row.DeviceId,
			revertibleStatuses, api.RolloutDeviceFailed, store.RowUpdate{Error: writeErr.Error()}); err != nil {
			c.log.WithError(err).Errorf("failed to mark device %s failed in rollout %s", row.DeviceUuid, rollout.Id)
		}
		return writeErr
	}

	moved, err := c.store.Rollout().TransitionDevice(ctx, rolloutId, row.DeviceId,
		revertibleStatuses, api.RolloutDeviceRolledBack, store.RowUpdate{})
	if err != nil {
		return err
	}
	if moved {
		c.events.Publish(ctx, api.EventDeviceRolledBack, api.AggregateDevice, row.DeviceUuid, map[string]interface{}{
			"rolloutId":   rollout.Id,
			"restoredTag": rollout.OldTag,
		})
	}
	return nil
}

// RollbackUnhealthy reverts every unhealthy row of the rollout, restricted to
// one batch when batch is non-nil. Returns how many devices were rolled back;
// per-device failures are recorded on their rows and do not stop the rest.
func (c *Coordinator) RollbackUnhealthy(ctx context.Context, rollout *api.Rollout, batch *int) (int, error) {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return 0, err
	}
	rows, err := c.store.Rollout().ListDeviceRows(ctx, rolloutId,
		[]api.RolloutDeviceStatusType{api.RolloutDeviceUnhealthy}, batch)
	if err != nil {
		return 0, err
	}
	return c.rollbackRows(ctx, rollout, rows), nil
}

// RollbackRollout reverts every activated row, skips the never-activated
// ones, and marks the rollout rolled back.
func (c *Coordinator) RollbackRollout(ctx context.Context, rollout *api.Rollout, reason string) (*api.Rollout, error) {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return nil, err
	}
	rows, err := c.store.Rollout().ListDeviceRows(ctx, rolloutId, revertibleStatuses, nil)
	if err != nil {
		return nil, err
	}
	c.rollbackRows(ctx, rollout, rows)

	if _, err := c.store.Rollout().TransitionDevices(ctx, rolloutId,
		[]api.RolloutDeviceStatusType{api.RolloutDevicePending}, api.RolloutDeviceSkipped, store.RowUpdate{}); err != nil {
		return nil, err
	}

	updated, err := c.store.Rollout().Transition(ctx, rolloutId,
		[]api.RolloutStatusType{api.RolloutInProgress, api.RolloutPaused}, api.RolloutRolledBack, reason)
	if err != nil {
		return nil, err
	}
	c.events.Publish(ctx, api.EventRolloutRolledBack, api.AggregateRollout, rollout.Id, map[string]interface{}{
		"reason": reason,
	})
	return updated, nil
}

func (c *Coordinator) rollbackRows(ctx context.Context, rollout *api.Rollout, rows []store.DeviceRow) int {
	sem := semaphore.NewWeighted(c.concurrency)
	var wg sync.WaitGroup
	var rolledBack atomic.Int64
	started := time.Now()

	for _, row := range rows {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(row store.DeviceRow) {
			defer wg.Done()
			defer sem.Release(1)
			if err := c.RollbackDevice(ctx, rollout, row); err != nil {
				c.log.WithError(err).Errorf("rollback of device %s in rollout %s failed", row.DeviceUuid, rollout.Id)
				return
			}
			rolledBack.Add(1)
		}(row)
	}
	wg.Wait()

	if len(rows) > 0 {
		c.log.Infof("rolled back %d/%d devices of rollout %s in %s",
			rolledBack.Load(), len(rows), rollout.Id, time.Since(started).Round(time.Millisecond))
	}
	return int(rolledBack.Load())
}
