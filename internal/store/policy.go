package store

import (
	"context"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store/model"
	"github.com/fleetyard/fleetyard/pkg/log"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Policy interface {
	InitialMigration() error
	Create(ctx context.Context, policy *api.UpdatePolicy) (*api.UpdatePolicy, error)
	Get(ctx context.Context, policyId uuid.UUID) (*api.UpdatePolicy, error)
	List(ctx context.Context, listParams ListParams) (*api.UpdatePolicyList, error)
	// ListEnabled returns every enabled policy; pattern matching against an
	// image reference is the caller's concern.
	ListEnabled(ctx context.Context) ([]api.UpdatePolicy, error)
	Update(ctx context.Context, policy *api.UpdatePolicy) (*api.UpdatePolicy, error)
	Delete(ctx context.Context, policyId uuid.UUID) error
}

type PolicyStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Policy = (*PolicyStore)(nil)

func NewPolicy(db *gorm.DB, log logrus.FieldLogger) Policy {
	return &PolicyStore{db: db, log: log}
}

func (s *PolicyStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.UpdatePolicy{})
}

func (s *PolicyStore) Create(ctx context.Context, resource *api.UpdatePolicy) (*api.UpdatePolicy, error) {
	log := log.WithReqIDFromCtx(ctx, s.log)
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	if resource.Name == "" {
		return nil, fyerrors.ErrResourceNameIsNil
	}
	policy, err := model.NewUpdatePolicyFromApiResource(resource)
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).Create(policy)
	log.Debugf("db.Create(%s): %d rows affected, error is %v", policy.Name, result.RowsAffected, result.Error)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return policy.ToApiResource(), nil
}

func (s *PolicyStore) Get(ctx context.Context, policyId uuid.UUID) (*api.UpdatePolicy, error) {
	policy := model.UpdatePolicy{ID: policyId}
	result := s.db.WithContext(ctx).First(&policy)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return policy.ToApiResource(), nil
}

func (s *PolicyStore) List(ctx context.Context, listParams ListParams) (*api.UpdatePolicyList, error) {
	var policies []model.UpdatePolicy
	var nextContinue *string

	limit := clampLimit(listParams.Limit)
	query := s.db.WithContext(ctx).Model(&model.UpdatePolicy{})
	if listParams.Continue != nil {
		query = query.Where("name > ?", listParams.Continue.Key)
	}

	result := query.Order("name").Limit(limit + 1).Find(&policies)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}

	if len(policies) > limit {
		policies = policies[:limit]
		cont, err := BuildContinueString(policies[len(policies)-1].Name, int64(limit))
		if err != nil {
			return nil, err
		}
		nextContinue = cont
	}

	list := model.UpdatePoliciesToApiResource(policies, nextContinue)
	return &list, nil
}

func (s *PolicyStore) ListEnabled(ctx context.Context) ([]api.UpdatePolicy, error) {
	var policies []model.UpdatePolicy
	result := s.db.WithContext(ctx).Where("enabled = ?", true).Order("name").Find(&policies)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	out := make([]api.UpdatePolicy, len(policies))
	for i := range policies {
		out[i] = *policies[i].ToApiResource()
	}
	return out, nil
}

func (s *PolicyStore) Update(ctx context.Context, resource *api.UpdatePolicy) (*api.UpdatePolicy, error) {
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	policy, err := model.NewUpdatePolicyFromApiResource(resource)
	if err != nil {
		return nil, err
	}
	if policy.ID == uuid.Nil {
		return nil, fyerrors.ErrResourceNotFound
	}

	// Save by primary key so cleared fields (an emptied schedule, a removed
	// health check) persist as cleared.
	result := s.db.WithContext(ctx).Model(&model.UpdatePolicy{}).
		Where("id = ?", policy.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(policy)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fyerrors.ErrResourceNotFound
	}
	return s.Get(ctx, policy.ID)
}

func (s *PolicyStore) Delete(ctx context.Context, policyId uuid.UUID) error {
	result := s.db.WithContext(ctx).Unscoped().Delete(&model.UpdatePolicy{ID: policyId})
	if result.Error != nil {
		return fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fyerrors.ErrResourceNotFound
	}
	return nil
}
