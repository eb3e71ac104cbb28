package rollout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultCheckTimeout = 5 * time.Minute

// Evaluator runs the per-device post-update probe. Rows that reached
// "updated" are checked once; a pass moves them to healthy, a failure or
// timeout to unhealthy.
type Evaluator struct {
	store       store.Store
	events      *events.Publisher
	log         logrus.FieldLogger
	concurrency int64
	client      *http.Client
	dialer      *net.Dialer
}

func NewEvaluator(st store.Store, publisher *events.Publisher, concurrency int, log logrus.FieldLogger) *Evaluator {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Evaluator{
		store:       st,
		events:      publisher,
		log:         log,
		concurrency: int64(concurrency),
		client:      &http.Client{},
		dialer:      &net.Dialer{},
	}
}

// Evaluate probes every not-yet-checked updated row of the rollout, at most
// `concurrency` devices in parallel. Batch restricts the scan to one batch
// when non-nil. Each probe is bounded by the spec's timeout; a timeout counts
// as a failure.
func (e *Evaluator) Evaluate(ctx context.Context, rollout *api.Rollout, spec api.HealthCheckSpec, batch *int) error {
	rolloutId, err := uuid.Parse(rollout.Id)
	if err != nil {
		return err
	}
	rows, err := e.store.Rollout().ListDeviceRows(ctx, rolloutId, []api.RolloutDeviceStatusType{api.RolloutDeviceUpdated}, batch)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(e.concurrency)
	var wg sync.WaitGroup
	for _, row := range rows {
		if row.HealthCheckedAt != nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(row store.DeviceRow) {
			defer wg.Done()
			defer sem.Release(1)
			e.evaluateRow(ctx, rolloutId, rollout, spec, row)
		}(row)
	}
	wg.Wait()
	return ctx.Err()
}

func (e *Evaluator) evaluateRow(ctx context.Context, rolloutId uuid.UUID, rollout *api.Rollout, spec api.HealthCheckSpec, row store.DeviceRow) {
	probeErr := e.probeDevice(ctx, spec, row.DeviceId, rollout.NewTag)

	now := time.Now().UTC()
	to := api.RolloutDeviceHealthy
	update := store.RowUpdate{HealthCheckedAt: &now}
	if probeErr != nil {
		to = api.RolloutDeviceUnhealthy
		update.Error = probeErr.Error()
	}
	moved, err := e.store.Rollout().TransitionDevice(ctx, rolloutId, row.DeviceId,
		[]api.RolloutDeviceStatusType{api.RolloutDeviceUpdated}, to, update)
	if err != nil {
		e.log.WithError(err).Errorf("failed to record health result for device %s in rollout %s", row.DeviceUuid, rollout.Id)
		return
	}
	if !moved {
		return
	}
	data := map[string]interface{}{"rolloutId": rollout.Id, "checkType": spec.Type}
	eventType := api.EventHealthCheckPassed
	if probeErr != nil {
		eventType = api.EventHealthCheckFailed
		data["error"] = probeErr.Error()
	}
	e.events.Publish(ctx, eventType, api.AggregateDevice, row.DeviceUuid, data)
}

// probeDevice loads what the probe needs about the device and runs the check.
func (e *Evaluator) probeDevice(ctx context.Context, spec api.HealthCheckSpec, deviceUuid uuid.UUID, newTag string) error {
	device, err := e.store.Device().Get(ctx, deviceUuid)
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}
	current, err := e.store.CurrentState().Get(ctx, deviceUuid)
	if err != nil && !errors.Is(err, fyerrors.ErrResourceNotFound) {
		return fmt.Errorf("current state lookup: %w", err)
	}
	return e.Probe(ctx, spec, device, current, newTag)
}

// Probe runs one health check against one device. The context carries the
// per-check deadline.
func (e *Evaluator) Probe(ctx context.Context, spec api.HealthCheckSpec, device *api.Device, current *api.CurrentStateInfo, newTag string) error {
	timeout := spec.Timeout.D()
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch spec.Type {
	case api.HealthCheckNone, "":
		return nil
	case api.HealthCheckHttp:
		return e.probeHttp(ctx, spec, device, current)
	case api.HealthCheckTcp:
		return e.probeTcp(ctx, spec, device, current)
	case api.HealthCheckContainer:
		return probeContainer(current, spec.Container, newTag)
	default:
		return fmt.Errorf("unknown health check type %q", spec.Type)
	}
}

func (e *Evaluator) probeHttp(ctx context.Context, spec api.HealthCheckSpec, device *api.Device, current *api.CurrentStateInfo) error {
	url, err := resolvePlaceholders(spec.Url, device, current)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	expected := spec.ExpectedStatuses
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}
	for _, code := range expected {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
}

func (e *Evaluator) probeTcp(ctx context.Context, spec api.HealthCheckSpec, device *api.Device, current *api.CurrentStateInfo) error {
	host := spec.Host
	if host == "" {
		host = "{device_ip}"
	}
	host, err := resolvePlaceholders(host, device, current)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(spec.Port))
	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect to %s: %w", addr, err)
	}
	return conn.Close()
}

// probeContainer passes when the device's report shows the named container
// running the new tag.
func probeContainer(current *api.CurrentStateInfo, container, newTag string) error {
	if current == nil {
		return errors.New("device has not reported current state")
	}
	for _, app := range current.Apps {
		for _, svc := range app.Services {
			if svc.Name != container {
				continue
			}
			if svc.Status != api.ServiceStatusRunning {
				return fmt.Errorf("container %s is %s, not %s", container, svc.Status, api.ServiceStatusRunning)
			}
			if _, tag := api.ParseImageRef(svc.Image); tag != newTag {
				return fmt.Errorf("container %s runs tag %q, want %q", container, tag, newTag)
			}
			return nil
		}
	}
	return fmt.Errorf("container %s not present in current state", container)
}

// resolvePlaceholders substitutes {device_ip} and {device_name}. The ip comes
// from the device's reported system info; an unresolved placeholder fails the
// check.
func resolvePlaceholders(s string, device *api.Device, current *api.CurrentStateInfo) (string, error) {
	if strings.Contains(s, "{device_ip}") {
		ip := ""
		if current != nil && current.SystemInfo != nil {
			ip = current.SystemInfo.Ip
		}
		if ip == "" {
			return "", fmt.Errorf("device %s has not reported an ip address", device.Name)
		}
		s = strings.ReplaceAll(s, "{device_ip}", ip)
	}
	return strings.ReplaceAll(s, "{device_name}", device.Name), nil
}
