// Package apierr defines the error-kind taxonomy shared by every component
// of the fabric: the MCP Bus, the GPU Orchestrator, and the crawl/ingestion
// pipeline all classify failures into one of a fixed set of kinds so that
// callers (HTTP handlers, the bus dispatcher, the reclaimer) can react
// uniformly instead of string-matching error messages.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named by the fabric's error handling design.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindNotFound        Kind = "not_found"
	KindPrecondition    Kind = "precondition_failed"
	KindConflict        Kind = "conflict"
	KindUpstream        Kind = "upstream_error"
	KindTransientInfra  Kind = "transient_infra_error"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindFatalInvariant  Kind = "fatal_invariant_violation"
)

// Error is the structured error type returned by every fabric operation
// that can fail for a reason a caller should be able to branch on.
type Error struct {
	Kind      Kind
	Message   string
	Op        string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error with no wrapped cause.
func New(op string, kind Kind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message, Retryable: defaultRetryable(kind)}
}

// Wrap constructs an Error that wraps cause under the given kind.
func Wrap(op string, kind Kind, cause error, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message, Cause: cause, Retryable: defaultRetryable(kind)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(op string, kind Kind, cause error, format string, args ...any) *Error {
	return Wrap(op, kind, cause, fmt.Sprintf(format, args...))
}

// WithRetryable overrides the default retryability for the error kind.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindTransientInfra, KindUpstream, KindDeadlineExceeded:
		return true
	default:
		return false
	}
}

// As unwraps err looking for an *Error, mirroring errors.As without
// requiring callers to declare the target variable inline.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// KindUpstream otherwise — an unclassified error from a dependency is
// treated as an upstream failure rather than silently swallowed.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUpstream
}

// HTTPStatus maps a Kind to the status code the HTTP surfaces use.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindPrecondition:
		return 412
	case KindDeadlineExceeded:
		return 504
	case KindTransientInfra, KindUpstream:
		return 502
	case KindFatalInvariant:
		return 500
	default:
		return 500
	}
}
