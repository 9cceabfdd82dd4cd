package protocol

import (
	"errors"
	"fmt"

	"ingestor/internal/apperrors"
)

// Decode failure kinds. All are non-retryable.
var (
	ErrBadVersion       = errors.New("unsupported protocol version")
	ErrTruncatedHeader  = errors.New("truncated header")
	ErrTruncatedPayload = errors.New("truncated payload")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUnknownOpcode    = errors.New("unknown opcode")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Error is a protocol violation. It matches its kind with errors.Is and
// classifies as apperrors.CodeProtocol.
type Error struct {
	Kind   error
	Detail string
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "protocol: " + e.Kind.Error()
	}
	return "protocol: " + e.Kind.Error() + ": " + e.Detail
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, &apperrors.Failure{Code: apperrors.CodeProtocol, Message: e.Error()}}
}

// Retryable is always false for protocol errors.
func (e *Error) Retryable() bool { return false }
