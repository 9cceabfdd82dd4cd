// Package apperrors provides structured application errors with HTTP status mapping
// and the machine-classifiable failure codes exchanged between coordinator and workers.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)

// Error is a request-level error from the store or the coordinator API.
// Failures reported by workers use *Failure instead.
type Error struct {
	Sentinel error
	Message  string
	Field    string // request field at fault, e.g. "targets[0].columns"
	Resource string // "job", "artifact", "worker"
	ID       string
	Op       string // e.g. "jobstore.claimNext"
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation reports an invalid request field.
func Validation(field, message string) error {
	return &Error{Sentinel: ErrValidation, Message: message, Field: field}
}

// NotFound reports a missing job, artifact or worker.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// Conflict reports a request the resource's current state does not allow,
// such as aborting a completed job.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
		ID:       id,
	}
}

// Internal wraps an unexpected failure of op.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
