package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Code is a machine-classifiable failure code. Codes travel on the wire and
// are persisted with the job, so retry decisions can be replayed after a restart.
type Code string

const (
	CodeProtocol               Code = "PROTOCOL"
	CodeProvisioning           Code = "PROVISIONING"
	CodeExecutionTransient     Code = "EXECUTION_TRANSIENT"
	CodeExecutionDeterministic Code = "EXECUTION_DETERMINISTIC"
	CodeValidation             Code = "VALIDATION"
	CodeCommit                 Code = "COMMIT"
	CodeCancelled              Code = "CANCELLED"
	CodeTimeout                Code = "TIMEOUT"
	CodeWorkerLost             Code = "WORKER_LOST"
)

var knownCodes = map[Code]bool{
	CodeProtocol:               false,
	CodeProvisioning:           true,
	CodeExecutionTransient:     true,
	CodeExecutionDeterministic: false,
	CodeValidation:             false,
	CodeCommit:                 true,
	CodeCancelled:              false,
	CodeTimeout:                true,
	CodeWorkerLost:             true,
}

// ParseCode converts a wire string into a Code.
// Unknown codes are reported as deterministic execution failures so they never auto-retry.
func ParseCode(s string) (Code, bool) {
	c := Code(s)
	if _, ok := knownCodes[c]; ok {
		return c, true
	}
	return CodeExecutionDeterministic, false
}

// Retryable reports whether a failure with this code may be retried automatically.
func (c Code) Retryable() bool {
	return knownCodes[c]
}

func (c Code) String() string { return string(c) }

// Failure is an error carrying a Code.
type Failure struct {
	Code    Code
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Retryable reports whether the failure's code allows an automatic retry.
func (f *Failure) Retryable() bool {
	return f.Code.Retryable()
}

// Fail creates a Failure with a formatted message.
func Fail(code Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Failure around an underlying cause.
func Wrap(code Code, cause error, message string) *Failure {
	msg := message
	if cause != nil {
		if msg == "" {
			msg = cause.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", message, cause)
		}
	}
	return &Failure{Code: code, Message: msg, Cause: cause}
}

// AsFailure classifies any error into a Failure.
// Context cancellation maps to CANCELLED, deadline expiry to TIMEOUT and
// anything unclassified to EXECUTION_TRANSIENT.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCancelled, err, "")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, err, "")
	case errors.Is(err, ErrValidation):
		return Wrap(CodeValidation, err, "")
	}
	return Wrap(CodeExecutionTransient, err, "")
}

// CodeOf returns the failure code for err, or "" for nil.
func CodeOf(err error) Code {
	if f := AsFailure(err); f != nil {
		return f.Code
	}
	return ""
}
