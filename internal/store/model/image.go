package model

import (
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Image struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	Registry  string `gorm:"uniqueIndex:idx_images_registry_name"`
	Namespace string
	Name      string `gorm:"uniqueIndex:idx_images_registry_name;index"`

	Status     string
	Category   string
	IsOfficial bool

	Tags []ImageTag `gorm:"foreignKey:ImageID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i *Image) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

func NewImageFromApiResource(resource *api.Image) *Image {
	if resource == nil {
		return &Image{}
	}
	return &Image{
		Registry:   resource.Registry,
		Namespace:  resource.Namespace,
		Name:       resource.Name,
		Status:     string(resource.Status),
		Category:   resource.Category,
		IsOfficial: resource.IsOfficial,
	}
}

func (i *Image) ToApiResource() *api.Image {
	if i == nil {
		return &api.Image{}
	}
	out := &api.Image{
		Id:         i.ID.String(),
		Registry:   i.Registry,
		Namespace:  i.Namespace,
		Name:       i.Name,
		Status:     api.ImageStatusType(i.Status),
		Category:   i.Category,
		IsOfficial: i.IsOfficial,
		CreatedAt:  i.CreatedAt,
		UpdatedAt:  i.UpdatedAt,
	}
	for _, tag := range i.Tags {
		out.Tags = append(out.Tags, *tag.ToApiResource())
	}
	return out
}

func ImagesToApiResource(images []Image, cont *string) api.ImageList {
	items := make([]api.Image, len(images))
	for i := range images {
		items[i] = *images[i].ToApiResource()
	}
	return api.ImageList{
		Items:    items,
		Metadata: api.ListMeta{Continue: cont},
	}
}

type ImageTag struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ImageID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_image_tags_image_tag"`
	Tag     string    `gorm:"uniqueIndex:idx_image_tags_image_tag"`

	IsDeprecated  bool
	IsRecommended bool

	CreatedAt time.Time
}

func (t *ImageTag) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (t *ImageTag) ToApiResource() *api.ImageTag {
	if t == nil {
		return &api.ImageTag{}
	}
	return &api.ImageTag{
		Tag:           t.Tag,
		IsDeprecated:  t.IsDeprecated,
		IsRecommended: t.IsRecommended,
		CreatedAt:     t.CreatedAt,
	}
}

// ApprovalRequest tracks the first sighting of an unknown image. The unique
// index on ImageName makes request creation idempotent under webhook
// retries.
type ApprovalRequest struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ImageName string    `gorm:"uniqueIndex"`
	Tag       string
	Status    string

	CreatedAt time.Time
	DecidedAt *time.Time
}

func (a *ApprovalRequest) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (a *ApprovalRequest) ToApiResource() *api.ApprovalRequest {
	if a == nil {
		return &api.ApprovalRequest{}
	}
	return &api.ApprovalRequest{
		Id:          a.ID.String(),
		ImageName:   a.ImageName,
		Tag:         a.Tag,
		Status:      api.ApprovalRequestStatusType(a.Status),
		RequestedAt: a.CreatedAt,
		DecidedAt:   a.DecidedAt,
	}
}

func ApprovalRequestsToApiResource(reqs []ApprovalRequest, cont *string) api.ApprovalRequestList {
	items := make([]api.ApprovalRequest, len(reqs))
	for i := range reqs {
		items[i] = *reqs[i].ToApiResource()
	}
	return api.ApprovalRequestList{
		Items:    items,
		Metadata: api.ListMeta{Continue: cont},
	}
}
