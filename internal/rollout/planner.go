package rollout

import (
	"context"
	"errors"
	"math"
	"sort"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/store/model"
	"github.com/fleetyard/fleetyard/pkg/log"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const enumerationBatchSize = 500

// Planner turns a pushed tag into a persisted rollout: it enumerates the
// devices running the image, applies the policy's device filters, partitions
// them into batches, and creates the rollout with all rows pending.
type Planner struct {
	store                store.Store
	events               *events.Publisher
	log                  logrus.FieldLogger
	defaultBatchPercents []int
}

func NewPlanner(st store.Store, publisher *events.Publisher, defaultBatchPercents []int, log logrus.FieldLogger) *Planner {
	return &Planner{
		store:                st,
		events:               publisher,
		log:                  log,
		defaultBatchPercents: defaultBatchPercents,
	}
}

type affectedDevice struct {
	deviceUuid uuid.UUID
	locations  []model.TargetLocation
}

// Plan computes and persists the rollout for imageName moving to newTag.
// Returns (nil, nil) when no device is affected or no pre-existing tag could
// be discovered. When the image already has an active rollout, the existing
// rollout is returned together with fyerrors.ErrRolloutActive; no second
// rollout is created.
func (p *Planner) Plan(ctx context.Context, imageName, newTag string, policy *api.UpdatePolicy) (*api.Rollout, error) {
	log := log.WithReqIDFromCtx(ctx, p.log)

	existing, err := p.store.Rollout().FindActiveByImage(ctx, imageName)
	if err == nil {
		return existing, fyerrors.ErrRolloutActive
	}
	if !errors.Is(err, fyerrors.ErrResourceNotFound) {
		return nil, err
	}

	affected, oldTag, err := p.enumerate(ctx, imageName, newTag)
	if err != nil {
		return nil, err
	}
	affected, err = p.filter(ctx, affected, policy)
	if err != nil {
		return nil, err
	}
	if len(affected) == 0 || oldTag == "" {
		log.Infof("no devices affected by %s:%s, not creating a rollout", imageName, newTag)
		return nil, nil
	}

	sort.Slice(affected, func(i, j int) bool {
		return affected[i].deviceUuid.String() < affected[j].deviceUuid.String()
	})

	sizes := batchSizes(len(affected), p.percents(policy))
	plan := make([]store.DevicePlan, 0, len(affected))
	next := 0
	for batch, size := range sizes {
		for i := 0; i < size; i++ {
			plan = append(plan, store.DevicePlan{
				DeviceUuid:  affected[next].deviceUuid,
				BatchNumber: batch + 1,
				Locations:   affected[next].locations,
			})
			next++
		}
	}

	rollout := &api.Rollout{
		ImageName:    imageName,
		OldTag:       oldTag,
		NewTag:       newTag,
		Strategy:     strategyOf(policy),
		TotalBatches: len(sizes),
		Status:       api.RolloutPending,
	}
	if policy != nil {
		rollout.PolicyId = policy.Id
	}
	created, err := p.store.Rollout().Create(ctx, rollout, plan)
	if err != nil {
		return nil, err
	}
	p.events.Publish(ctx, api.EventRolloutCreated, api.AggregateRollout, created.Id, map[string]interface{}{
		"imageName":    created.ImageName,
		"oldTag":       created.OldTag,
		"newTag":       created.NewTag,
		"strategy":     created.Strategy,
		"totalBatches": created.TotalBatches,
		"devices":      len(plan),
	})
	return created, nil
}

// enumerate scans every target state document for services running imageName
// at a tag other than newTag. The first non-empty tag seen becomes the
// rollout's old tag.
func (p *Planner) enumerate(ctx context.Context, imageName, newTag string) ([]affectedDevice, string, error) {
	var affected []affectedDevice
	oldTag := ""
	err := p.store.TargetState().ForEach(ctx, enumerationBatchSize, func(deviceUuid uuid.UUID, doc api.TargetState) error {
		locations, firstTag := matchDocument(&doc, imageName, newTag)
		if len(locations) == 0 {
			return nil
		}
		if oldTag == "" {
			oldTag = firstTag
		}
		affected = append(affected, affectedDevice{deviceUuid: deviceUuid, locations: locations})
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return affected, oldTag, nil
}

// matchDocument returns the app/service coordinates of every service whose
// image base name equals imageName and whose tag differs from newTag, looking
// at both image locations the document may use. firstTag is the first
// non-empty tag among the matches.
func matchDocument(doc *api.TargetState, imageName, newTag string) (locations []model.TargetLocation, firstTag string) {
	for _, app := range doc.Apps {
		for i := range app.Services {
			svc := &app.Services[i]
			ref := svc.Image()
			if ref == "" {
				continue
			}
			repo, tag := api.ParseImageRef(ref)
			if repo != imageName || tag == newTag {
				continue
			}
			locations = append(locations, model.TargetLocation{AppID: app.Id, ServiceID: svc.Id})
			if firstTag == "" {
				firstTag = tag
			}
		}
	}
	return locations, firstTag
}

// filter drops devices the policy does not target, plus unknown and disabled
// devices.
func (p *Planner) filter(ctx context.Context, affected []affectedDevice, policy *api.UpdatePolicy) ([]affectedDevice, error) {
	kept := affected[:0]
	for _, d := range affected {
		device, err := p.store.Device().Get(ctx, d.deviceUuid)
		if err != nil {
			if errors.Is(err, fyerrors.ErrResourceNotFound) {
				continue
			}
			return nil, err
		}
		if !device.IsActive {
			continue
		}
		if !Targets(policy, device) {
			continue
		}
		kept = append(kept, d)
	}
	return kept, nil
}

func strategyOf(policy *api.UpdatePolicy) api.RolloutStrategy {
	if policy == nil || policy.Strategy == "" {
		return api.RolloutStrategyAuto
	}
	return policy.Strategy
}

// percents resolves the cumulative batch percentages for the policy: explicit
// percentages win, then the configured defaults when the batch count agrees,
// then an evenly spaced sequence ending at 100. Auto rollouts are one batch.
func (p *Planner) percents(policy *api.UpdatePolicy) []int {
	if strategyOf(policy) == api.RolloutStrategyAuto {
		return []int{100}
	}
	if policy != nil && len(policy.BatchPercents) > 0 {
		return policy.BatchPercents
	}
	n := 0
	if policy != nil {
		n = policy.StagedBatches
	}
	if n <= 0 || n == len(p.defaultBatchPercents) {
		if len(p.defaultBatchPercents) > 0 {
			return p.defaultBatchPercents
		}
		n = 1
	}
	percents := make([]int, n)
	for i := 0; i < n; i++ {
		percents[i] = int(math.Round(float64(100*(i+1)) / float64(n)))
	}
	percents[n-1] = 100
	return percents
}

// batchSizes partitions total devices by cumulative percentages. The last
// batch absorbs rounding remainders and empty batches are elided, so the
// returned sizes are all positive and sum to total.
func batchSizes(total int, percents []int) []int {
	var sizes []int
	prev := 0
	for i, pct := range percents {
		cum := int(math.Round(float64(total) * float64(pct) / 100.0))
		if i == len(percents)-1 {
			cum = total
		}
		if cum > total {
			cum = total
		}
		if size := cum - prev; size > 0 {
			sizes = append(sizes, size)
		}
		if cum > prev {
			prev = cum
		}
	}
	return sizes
}
