package store

import (
	"context"
	"errors"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store/model"
	"github.com/fleetyard/fleetyard/pkg/log"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Image interface {
	InitialMigration() error
	Create(ctx context.Context, image *api.Image) (*api.Image, error)
	Get(ctx context.Context, imageId uuid.UUID) (*api.Image, error)
	// GetByName looks a catalog entry up by registry and repository name,
	// tags included.
	GetByName(ctx context.Context, registry string, name string) (*api.Image, error)
	List(ctx context.Context, listParams ListParams, filter ImageFilter) (*api.ImageList, error)
	SetStatus(ctx context.Context, imageId uuid.UUID, status api.ImageStatusType) (*api.Image, error)
	// UpsertTag records a tag sighting. Existing tags keep their deprecation
	// and recommendation flags.
	UpsertTag(ctx context.Context, imageId uuid.UUID, tag string) (*api.ImageTag, error)
	GetTag(ctx context.Context, imageId uuid.UUID, tag string) (*api.ImageTag, error)
	SetTagFlags(ctx context.Context, imageId uuid.UUID, tag string, deprecated bool, recommended bool) (*api.ImageTag, error)

	// CreateApprovalRequest is idempotent per image name; it reports whether
	// a new request was created.
	CreateApprovalRequest(ctx context.Context, imageName string, tag string) (*api.ApprovalRequest, bool, error)
	GetApprovalRequest(ctx context.Context, requestId uuid.UUID) (*api.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, listParams ListParams, status api.ApprovalRequestStatusType) (*api.ApprovalRequestList, error)
	DecideApprovalRequest(ctx context.Context, requestId uuid.UUID, approve bool, decidedAt time.Time) (*api.ApprovalRequest, error)
}

type ImageFilter struct {
	Status   api.ImageStatusType
	Registry string
}

type ImageStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Image = (*ImageStore)(nil)

func NewImage(db *gorm.DB, log logrus.FieldLogger) Image {
	return &ImageStore{db: db, log: log}
}

func (s *ImageStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.Image{}); err != nil {
		return err
	}
	if err := s.db.AutoMigrate(&model.ImageTag{}); err != nil {
		return err
	}
	return s.db.AutoMigrate(&model.ApprovalRequest{})
}

func (s *ImageStore) Create(ctx context.Context, resource *api.Image) (*api.Image, error) {
	log := log.WithReqIDFromCtx(ctx, s.log)
	if resource == nil {
		return nil, fyerrors.ErrResourceIsNil
	}
	if resource.Name == "" {
		return nil, fyerrors.ErrResourceNameIsNil
	}
	image := model.NewImageFromApiResource(resource)
	if image.Status == "" {
		image.Status = string(api.ImagePending)
	}

	result := s.db.WithContext(ctx).Create(image)
	log.Debugf("db.Create(%s/%s): %d rows affected, error is %v", image.Registry, image.Name, result.RowsAffected, result.Error)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return image.ToApiResource(), nil
}

func (s *ImageStore) Get(ctx context.Context, imageId uuid.UUID) (*api.Image, error) {
	image := model.Image{ID: imageId}
	result := s.db.WithContext(ctx).Preload("Tags").First(&image)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return image.ToApiResource(), nil
}

func (s *ImageStore) GetByName(ctx context.Context, registry string, name string) (*api.Image, error) {
	var image model.Image
	result := s.db.WithContext(ctx).Preload("Tags").
		Where("registry = ? AND name = ?", registry, name).
		First(&image)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return image.ToApiResource(), nil
}

func (s *ImageStore) List(ctx context.Context, listParams ListParams, filter ImageFilter) (*api.ImageList, error) {
	var images []model.Image
	var nextContinue *string

	limit := clampLimit(listParams.Limit)
	query := s.db.WithContext(ctx).Model(&model.Image{}).Preload("Tags")
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Registry != "" {
		query = query.Where("registry = ?", filter.Registry)
	}
	if listParams.Continue != nil {
		query = query.Where("name > ?", listParams.Continue.Key)
	}

	result := query.Order("name").Limit(limit + 1).Find(&images)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}

	if len(images) > limit {
		images = images[:limit]
		cont, err := BuildContinueString(images[len(images)-1].Name, int64(limit))
		if err != nil {
			return nil, err
		}
		nextContinue = cont
	}

	list := model.ImagesToApiResource(images, nextContinue)
	return &list, nil
}

func (s *ImageStore) SetStatus(ctx context.Context, imageId uuid.UUID, status api.ImageStatusType) (*api.Image, error) {
	result := s.db.WithContext(ctx).Model(&model.Image{}).
		Where("id = ?", imageId).
		Update("status", string(status))
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fyerrors.ErrResourceNotFound
	}
	return s.Get(ctx, imageId)
}

func (s *ImageStore) UpsertTag(ctx context.Context, imageId uuid.UUID, tag string) (*api.ImageTag, error) {
	row := model.ImageTag{
		ImageID: imageId,
		Tag:     tag,
	}
	result := s.db.WithContext(ctx).Create(&row)
	if result.Error != nil {
		err := fyerrors.ErrorFromGormError(result.Error)
		if !errors.Is(err, fyerrors.ErrDuplicateName) {
			return nil, err
		}
		return s.GetTag(ctx, imageId, tag)
	}
	return row.ToApiResource(), nil
}

func (s *ImageStore) GetTag(ctx context.Context, imageId uuid.UUID, tag string) (*api.ImageTag, error) {
	var row model.ImageTag
	result := s.db.WithContext(ctx).
		Where("image_id = ? AND tag = ?", imageId, tag).
		First(&row)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return row.ToApiResource(), nil
}

func (s *ImageStore) SetTagFlags(ctx context.Context, imageId uuid.UUID, tag string, deprecated bool, recommended bool) (*api.ImageTag, error) {
	result := s.db.WithContext(ctx).Model(&model.ImageTag{}).
		Where("image_id = ? AND tag = ?", imageId, tag).
		Updates(map[string]interface{}{
			"is_deprecated":  deprecated,
			"is_recommended": recommended,
		})
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fyerrors.ErrResourceNotFound
	}
	return s.GetTag(ctx, imageId, tag)
}

func (s *ImageStore) CreateApprovalRequest(ctx context.Context, imageName string, tag string) (*api.ApprovalRequest, bool, error) {
	request := model.ApprovalRequest{
		ImageName: imageName,
		Tag:       tag,
		Status:    string(api.ApprovalRequestPending),
	}
	result := s.db.WithContext(ctx).Create(&request)
	if result.Error != nil {
		err := fyerrors.ErrorFromGormError(result.Error)
		if !errors.Is(err, fyerrors.ErrDuplicateName) {
			return nil, false, err
		}
		var existing model.ApprovalRequest
		if err := s.db.WithContext(ctx).Where("image_name = ?", imageName).First(&existing).Error; err != nil {
			return nil, false, fyerrors.ErrorFromGormError(err)
		}
		return existing.ToApiResource(), false, nil
	}
	return request.ToApiResource(), true, nil
}

func (s *ImageStore) GetApprovalRequest(ctx context.Context, requestId uuid.UUID) (*api.ApprovalRequest, error) {
	request := model.ApprovalRequest{ID: requestId}
	result := s.db.WithContext(ctx).First(&request)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	return request.ToApiResource(), nil
}

func (s *ImageStore) ListApprovalRequests(ctx context.Context, listParams ListParams, status api.ApprovalRequestStatusType) (*api.ApprovalRequestList, error) {
	var requests []model.ApprovalRequest
	var nextContinue *string

	limit := clampLimit(listParams.Limit)
	query := s.db.WithContext(ctx).Model(&model.ApprovalRequest{})
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	if listParams.Continue != nil {
		createdBefore, err := time.Parse(time.RFC3339Nano, listParams.Continue.Key)
		if err != nil {
			return nil, fyerrors.ErrIllegalEtagFormat
		}
		query = query.Where("created_at < ?", createdBefore)
	}

	result := query.Order("created_at DESC").Limit(limit + 1).Find(&requests)
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}

	if len(requests) > limit {
		requests = requests[:limit]
		cont, err := BuildContinueString(requests[len(requests)-1].CreatedAt.Format(time.RFC3339Nano), int64(limit))
		if err != nil {
			return nil, err
		}
		nextContinue = cont
	}

	list := model.ApprovalRequestsToApiResource(requests, nextContinue)
	return &list, nil
}

func (s *ImageStore) DecideApprovalRequest(ctx context.Context, requestId uuid.UUID, approve bool, decidedAt time.Time) (*api.ApprovalRequest, error) {
	status := api.ApprovalRequestRejected
	if approve {
		status = api.ApprovalRequestApproved
	}
	result := s.db.WithContext(ctx).Model(&model.ApprovalRequest{}).
		Where("id = ? AND status = ?", requestId, string(api.ApprovalRequestPending)).
		Updates(map[string]interface{}{
			"status":     string(status),
			"decided_at": decidedAt,
		})
	if result.Error != nil {
		return nil, fyerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetApprovalRequest(ctx, requestId); err != nil {
			return nil, err
		}
		return nil, fyerrors.ErrInvalidTransition
	}
	return s.GetApprovalRequest(ctx, requestId)
}
