package v1alpha1

import (
	"fmt"
	"net/http"
)

// ErrorKind is the stable machine-readable error discriminator carried in
// failure Statuses and error response bodies.
type ErrorKind string

const (
	ErrorKindUnauthenticated    ErrorKind = "unauthenticated"
	ErrorKindForbidden          ErrorKind = "forbidden"
	ErrorKindNotFound           ErrorKind = "not-found"
	ErrorKindConflict           ErrorKind = "conflict"
	ErrorKindImageNotApproved   ErrorKind = "image-not-approved"
	ErrorKindImageTagDeprecated ErrorKind = "image-tag-deprecated"
	ErrorKindPolicyNotMatched   ErrorKind = "policy-not-matched"
	ErrorKindBadRequest         ErrorKind = "bad-request"
	ErrorKindInvalidTransition  ErrorKind = "rollout-invalid-transition"
	ErrorKindHealthCheckTimeout ErrorKind = "health-check-timeout"
	ErrorKindInternal           ErrorKind = "internal"
)

// Status is the transport-neutral outcome of a service operation. Failure
// statuses map one-to-one onto the error envelope written to clients.
type Status struct {
	ApiVersion string    `json:"apiVersion"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Code       int32     `json:"code"`
	Reason     string    `json:"reason,omitempty"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`
	Message    string    `json:"message,omitempty"`
	// RequestId correlates internal errors with server logs.
	RequestId string `json:"requestId,omitempty"`
}

func NewSuccessStatus(code int32, reason string, message string) Status {
	return Status{
		ApiVersion: "v1alpha1",
		Kind:       "Status",
		Status:     "Success",
		Code:       code,
		Reason:     reason,
		Message:    message,
	}
}

func NewFailureStatus(code int32, kind ErrorKind, message string) Status {
	return Status{
		ApiVersion: "v1alpha1",
		Kind:       "Status",
		Status:     "Failure",
		Code:       code,
		Reason:     http.StatusText(int(code)),
		ErrorKind:  kind,
		Message:    message,
	}
}

func StatusOK() Status {
	return NewSuccessStatus(http.StatusOK, http.StatusText(http.StatusOK), "")
}

func StatusCreated() Status {
	return NewSuccessStatus(http.StatusCreated, http.StatusText(http.StatusCreated), "")
}

func StatusAccepted() Status {
	return NewSuccessStatus(http.StatusAccepted, http.StatusText(http.StatusAccepted), "")
}

func StatusNoContent() Status {
	return NewSuccessStatus(http.StatusNoContent, http.StatusText(http.StatusNoContent), "")
}

func StatusNotModified() Status {
	return NewSuccessStatus(http.StatusNotModified, http.StatusText(http.StatusNotModified), "")
}

func StatusBadRequest(message string) Status {
	return NewFailureStatus(http.StatusBadRequest, ErrorKindBadRequest, message)
}

func StatusUnauthorized(message string) Status {
	return NewFailureStatus(http.StatusUnauthorized, ErrorKindUnauthenticated, message)
}

func StatusForbidden(message string) Status {
	return NewFailureStatus(http.StatusForbidden, ErrorKindForbidden, message)
}

func StatusResourceNotFound(kind, name string) Status {
	return NewFailureStatus(http.StatusNotFound, ErrorKindNotFound, fmt.Sprintf("%s of name %q not found.", kind, name))
}

func StatusConflict(message string) Status {
	return NewFailureStatus(http.StatusConflict, ErrorKindConflict, message)
}

func StatusInvalidTransition(message string) Status {
	return NewFailureStatus(http.StatusConflict, ErrorKindInvalidTransition, message)
}

func StatusImageNotApproved(message string) Status {
	return NewFailureStatus(http.StatusForbidden, ErrorKindImageNotApproved, message)
}

func StatusImageTagDeprecated(message string) Status {
	return NewFailureStatus(http.StatusForbidden, ErrorKindImageTagDeprecated, message)
}

func StatusPolicyNotMatched(message string) Status {
	return NewFailureStatus(http.StatusUnprocessableEntity, ErrorKindPolicyNotMatched, message)
}

func StatusInternalServerError(message string) Status {
	return NewFailureStatus(http.StatusInternalServerError, ErrorKindInternal, message)
}

// IsStatusSuccessful reports whether the status carries a 2xx/3xx outcome.
func IsStatusSuccessful(s *Status) bool {
	return s.Status == "Success"
}
