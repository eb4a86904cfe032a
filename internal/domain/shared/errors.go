// Package shared contains common domain types, errors and events
// that are used across all domain packages, plus the cohort fan-out helper.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "bucket", "level", "practice"
	Op      string // Operation that failed, e.g., "BucketOf", "NewTable"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching. A DomainError matches its Kind, its
// wrapped error, and any DomainError sharing the same Domain and Kind, so the
// package-level values below work as sentinels after Detail or a new Op.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	var de *DomainError
	if errors.As(target, &de) {
		return de.Domain == e.Domain && de.Kind == e.Kind
	}
	return false
}

// Detail returns a copy of the error carrying a more specific message.
func (e *DomainError) Detail(format string, args ...any) *DomainError {
	cp := *e
	cp.Message = fmt.Sprintf("%s: %s", e.Message, fmt.Sprintf(format, args...))
	return &cp
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Engine errors. Pure computations fail fast with one of these instead of
// coercing bad input into plausible output.
var (
	ErrInvalidGranularity    = NewDomainError("bucket", "Validate", ErrInvalidInput, "invalid granularity")
	ErrInvalidThresholdTable = NewDomainError("level", "NewTable", ErrValidation, "invalid threshold table")
	ErrEmptyCohort           = NewDomainError("cohort", "Aggregate", ErrInvalidInput, "cohort is empty")
	ErrMalformedSession      = NewDomainError("practice", "Validate", ErrInvalidEntity, "malformed session")
	ErrInvalidPolicy         = NewDomainError("policy", "Validate", ErrValidation, "invalid policy")
	ErrIllegalTransition     = NewDomainError("backpack", "Transition", ErrStateTransition, "transition outside the status graph")
	ErrStudentNotFound       = NewDomainError("practice", "ListSessions", ErrNotFound, "student not found")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidEntity) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsRetryable checks if the operation can be retried. Domain validation
// failures are deterministic and never retryable.
func IsRetryable(err error) bool {
	if IsValidation(err) {
		return false
	}
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrExternalService)
}
