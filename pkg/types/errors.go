package types

import (
	"context"
	"errors"
	"net/http"
)

// Classified errors. Engines wrap these with fmt.Errorf("...: %w", ...) so
// call sites keep context while errors.Is still matches the kind.
var (
	ErrBadCredentials      = errors.New("bad credentials")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTimeout             = errors.New("upstream timeout")
	ErrCancelled           = errors.New("cancelled")
	ErrDeadline            = errors.New("job deadline exceeded")
	ErrParentMissing       = errors.New("parent was not created")
	ErrToolMissing         = errors.New("required tool missing")
	ErrSvnAuth             = errors.New("svn authentication failed")
	ErrSvnUnavailable      = errors.New("svn repository unavailable")
	ErrSvnLayout           = errors.New("svn layout mismatch")
	ErrMigrationMismatch   = errors.New("workspace does not match migration")
	ErrInternal            = errors.New("internal error")
)

var kindNames = map[error]string{
	ErrBadCredentials:      "bad-credentials",
	ErrForbidden:           "forbidden",
	ErrNotFound:            "not-found",
	ErrConflict:            "conflict",
	ErrValidation:          "validation",
	ErrRateLimited:         "rate-limited",
	ErrUpstreamUnavailable: "upstream-unavailable",
	ErrTimeout:             "timeout",
	ErrCancelled:           "cancelled",
	ErrDeadline:            "deadline",
	ErrParentMissing:       "parent-missing",
	ErrToolMissing:         "tool-missing",
	ErrSvnAuth:             "svn-auth",
	ErrSvnUnavailable:      "svn-unavailable",
	ErrSvnLayout:           "svn-layout",
	ErrMigrationMismatch:   "migration-mismatch",
	ErrInternal:            "internal",
}

// Kind returns the taxonomy name for err. Unclassified errors are internal.
func Kind(err error) string {
	for sentinel, name := range kindNames {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	if errors.Is(err, context.Canceled) {
		return kindNames[ErrCancelled]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kindNames[ErrTimeout]
	}
	return kindNames[ErrInternal]
}

// StatusCancelled is the non-standard nginx code for client-abandoned work.
const StatusCancelled = 499

// HTTPStatus maps a classified error onto the transport status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSvnLayout),
		errors.Is(err, ErrMigrationMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBadCredentials), errors.Is(err, ErrSvnAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, ErrSvnUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrDeadline),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorInfo flattens err into its serializable form.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: Kind(err), Message: err.Error()}
}
