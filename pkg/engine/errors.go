// Package engine defines the shared data model for the Tenet reconciliation
// core: managed entities, scope trees, inventory snapshots, conflicts,
// reconciliation plans, and execution records. It also carries the classified
// error type that every phase (collect, load, classify, plan, execute)
// reports through.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, control-plane throttling, eventual-consistency lag.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed manifest, authorization denied, name collision.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled indicates an explicit operator cancellation.
	// It is terminal and must never be treated as retryable; conflating a
	// human cancel with a transient failure creates an unstoppable retry loop.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// ReconcileError represents a classified error with context.
type ReconcileError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the entity key that caused the error, if applicable.
	Entity string `json:"entity,omitempty"`

	// Step is the plan step being executed when the error occurred.
	Step string `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	switch {
	case e.Step != "":
		return fmt.Sprintf("[%s] %s (step=%s): %s", e.Class, e.Message, e.Step, e.unwrapMessage())
	case e.Entity != "":
		return fmt.Sprintf("[%s] %s (entity=%s): %s", e.Class, e.Message, e.Entity, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

func (e *ReconcileError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *ReconcileError) Is(target error) bool {
	t, ok := target.(*ReconcileError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassCancelled, Message: message, Err: err, Code: ErrCodeCancelled}
}

// WithCode adds an error code to an error.
func (e *ReconcileError) WithCode(code string) *ReconcileError {
	e.Code = code
	return e
}

// WithEntity adds entity context to an error.
func (e *ReconcileError) WithEntity(key EntityKey) *ReconcileError {
	e.Entity = key.String()
	return e
}

// WithStep adds plan step context to an error.
func (e *ReconcileError) WithStep(stepID string) *ReconcileError {
	e.Step = stepID
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsCancelled returns true if the error represents an explicit cancellation.
func IsCancelled(err error) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCancelled
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Only transient errors are retryable; cancellation never is.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// HasCode returns true if the error chain carries the given code.
func HasCode(err error, code string) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeCollectionFailed   = "COLLECTION_FAILED"
	ErrCodeScopeUnreachable   = "SCOPE_UNREACHABLE"
	ErrCodeManifestInvalid    = "MANIFEST_INVALID"
	ErrCodeInvariantViolation = "INVARIANT_VIOLATION"
	ErrCodePlanRefused        = "PLAN_REFUSED"
	ErrCodeExecutionFailed    = "EXECUTION_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeStoreFailed        = "STORE_FAILED"
)
