package fyerrors

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrResourceIsNil     = errors.New("object is nil")
	ErrResourceNameIsNil = errors.New("name is not set")
	ErrResourceNotFound  = errors.New("object not found")
	ErrDuplicateName     = errors.New("an object with this name already exists")
	ErrUpdateConflict    = errors.New("the object has been modified; please apply your changes to the latest version and try again")
	ErrNoRowsUpdated     = errors.New("no rows were updated; object may have been modified or deleted")
	ErrIllegalEtagFormat = errors.New("etag is not a valid value")

	// devices
	ErrDeviceNotRegistered = errors.New("device is not registered")
	ErrDeviceDisabled      = errors.New("device is disabled")
	ErrInvalidAPIKey       = errors.New("invalid api key")

	// target state
	ErrNoImageLocation = errors.New("service carries no image field to update")

	// admission
	ErrImageNotApproved    = errors.New("image is not approved for rollout")
	ErrImageTagDeprecated  = errors.New("image tag is deprecated")
	ErrPolicyNotMatched    = errors.New("no rollout policy matches the image")
	ErrRolloutActive       = errors.New("an active rollout already exists for this image")
	ErrInvalidTransition   = errors.New("rollout is not in a state that allows this operation")
	ErrRolloutWindowClosed = errors.New("rollout maintenance window is closed")
)

func ErrorFromGormError(err error) error {
	switch err {
	case nil:
		return nil
	case gorm.ErrRecordNotFound:
		return ErrResourceNotFound
	case gorm.ErrDuplicatedKey:
		return ErrDuplicateName
	default:
		return err
	}
}
