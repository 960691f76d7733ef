// Package apperrors provides the structured error taxonomy shared by the SDK,
// the orchestrator and the workers.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrTransport  = errors.New("transport error")
	ErrDecode     = errors.New("decode error")
	ErrTimeout    = errors.New("timeout")
	ErrCancel     = errors.New("cancel error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation error")
	ErrInternal   = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "workflowType")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "transport.publish")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
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

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// Transport wraps a broker failure that survived adapter-level retries.
func Transport(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Timeout reports that no outcome arrived for id before its deadline.
func Timeout(resource, id string) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s %s: deadline exceeded", resource, id),
		Resource: resource,
	}
}

// Cancel reports a cancellation that cannot be honoured.
func Cancel(id, reason string) error {
	return &Error{
		Sentinel: ErrCancel,
		Message:  fmt.Sprintf("cancel job %s: %s", id, reason),
		Resource: "job",
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
