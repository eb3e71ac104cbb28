package service

import (
	"context"
	"errors"
	"fmt"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var validStrategies = map[api.RolloutStrategy]bool{
	api.RolloutStrategyAuto:      true,
	api.RolloutStrategyStaged:    true,
	api.RolloutStrategyManual:    true,
	api.RolloutStrategyScheduled: true,
}

func (h *ServiceHandler) CreatePolicy(ctx context.Context, policy api.UpdatePolicy) (*api.UpdatePolicy, api.Status) {
	if policy.Strategy == "" {
		policy.Strategy = api.RolloutStrategyStaged
	}
	if errs := validatePolicy(&policy); len(errs) > 0 {
		return nil, api.StatusBadRequest(errors.Join(errs...).Error())
	}
	created, err := h.store.Policy().Create(ctx, &policy)
	return created, StoreErrorToApiStatus(err, true, api.PolicyKind, policy.Name)
}

func (h *ServiceHandler) GetPolicy(ctx context.Context, policyId string) (*api.UpdatePolicy, api.Status) {
	id, err := uuid.Parse(policyId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed policy id")
	}
	result, err := h.store.Policy().Get(ctx, id)
	return result, StoreErrorToApiStatus(err, false, api.PolicyKind, policyId)
}

func (h *ServiceHandler) ListPolicies(ctx context.Context, cont *string, limit int) (*api.UpdatePolicyList, api.Status) {
	listParams, status := prepareListParams(cont, limit)
	if !api.IsStatusSuccessful(&status) {
		return nil, status
	}
	result, err := h.store.Policy().List(ctx, listParams)
	return result, StoreErrorToApiStatus(err, false, api.PolicyKind, "")
}

// UpdatePolicy replaces the policy identified by policyId. In-flight
// rollouts keep the parameters they were planned with; only window and
// batch pacing decisions made after this call see the new values.
func (h *ServiceHandler) UpdatePolicy(ctx context.Context, policyId string, policy api.UpdatePolicy) (*api.UpdatePolicy, api.Status) {
	id, err := uuid.Parse(policyId)
	if err != nil {
		return nil, api.StatusBadRequest("malformed policy id")
	}
	if policy.Strategy == "" {
		policy.Strategy = api.RolloutStrategyStaged
	}
	if errs := validatePolicy(&policy); len(errs) > 0 {
		return nil, api.StatusBadRequest(errors.Join(errs...).Error())
	}
	policy.Id = id.String()
	updated, err := h.store.Policy().Update(ctx, &policy)
	return updated, StoreErrorToApiStatus(err, false, api.PolicyKind, policyId)
}

func (h *ServiceHandler) DeletePolicy(ctx context.Context, policyId string) api.Status {
	id, err := uuid.Parse(policyId)
	if err != nil {
		return api.StatusBadRequest("malformed policy id")
	}
	if err := h.store.Policy().Delete(ctx, id); err != nil {
		return StoreErrorToApiStatus(err, false, api.PolicyKind, policyId)
	}
	return api.StatusNoContent()
}

// validatePolicy collects every problem with the resource so the caller
// sees them all at once instead of fixing one per request.
func validatePolicy(policy *api.UpdatePolicy) []error {
	var errs []error
	if policy.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if policy.ImagePattern == "" {
		errs = append(errs, errors.New("imagePattern is required"))
	} else if _, err := glob.Compile(policy.ImagePattern); err != nil {
		errs = append(errs, fmt.Errorf("imagePattern: %w", err))
	}
	if !validStrategies[policy.Strategy] {
		errs = append(errs, fmt.Errorf("unknown strategy %q", policy.Strategy))
	}
	if policy.StagedBatches < 0 {
		errs = append(errs, errors.New("stagedBatches must not be negative"))
	}
	if len(policy.BatchPercents) > 0 {
		if err := validateBatchPercents(policy.BatchPercents); err != nil {
			errs = append(errs, err)
		}
		if policy.StagedBatches > 0 && len(policy.BatchPercents) != policy.StagedBatches {
			errs = append(errs, fmt.Errorf("batchPercents has %d entries but stagedBatches is %d", len(policy.BatchPercents), policy.StagedBatches))
		}
	}
	if policy.MaxFailureRate < 0 || policy.MaxFailureRate > 1 {
		errs = append(errs, fmt.Errorf("maxFailureRate must be within [0, 1], got %v", policy.MaxFailureRate))
	}
	if policy.BatchDelay.D() < 0 {
		errs = append(errs, errors.New("batchDelay must not be negative"))
	}
	if policy.ConvergenceTimeout.D() < 0 {
		errs = append(errs, errors.New("convergenceTimeout must not be negative"))
	}
	if policy.ScheduleDuration.D() < 0 {
		errs = append(errs, errors.New("scheduleDuration must not be negative"))
	}
	if policy.Schedule != "" {
		if _, err := cron.ParseStandard(policy.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("schedule: %w", err))
		}
	}
	if policy.HealthCheck != nil {
		errs = append(errs, validateHealthCheck(policy.HealthCheck)...)
	}
	return errs
}

func validateBatchPercents(percents []int) error {
	prev := 0
	for _, p := range percents {
		if p <= prev || p > 100 {
			return fmt.Errorf("batchPercents must be strictly increasing and at most 100, got %v", percents)
		}
		prev = p
	}
	if percents[len(percents)-1] != 100 {
		return fmt.Errorf("last batch percent must be 100, got %v", percents)
	}
	return nil
}

func validateHealthCheck(check *api.HealthCheckSpec) []error {
	var errs []error
	switch check.Type {
	case api.HealthCheckHttp:
		if check.Url == "" {
			errs = append(errs, errors.New("healthCheck: url is required for type http"))
		}
	case api.HealthCheckTcp:
		if check.Port <= 0 || check.Port > 65535 {
			errs = append(errs, errors.New("healthCheck: a valid port is required for type tcp"))
		}
	case api.HealthCheckContainer:
		if check.Container == "" {
			errs = append(errs, errors.New("healthCheck: container is required for type container"))
		}
	case api.HealthCheckNone, "":
	default:
		errs = append(errs, fmt.Errorf("healthCheck: unknown type %q", check.Type))
	}
	if check.Timeout.D() < 0 {
		errs = append(errs, errors.New("healthCheck: timeout must not be negative"))
	}
	return errs
}
