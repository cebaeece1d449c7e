// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")

	// ErrAlreadyCompleted is soft: the Session turns it into a no-op success.
	ErrAlreadyCompleted = errors.New("already completed")

	// ErrPersistence means a durable write could not be confirmed. The local
	// view already holds the change.
	ErrPersistence = errors.New("persistence failure")

	// ErrPermission means the identity or session was rejected at write time.
	ErrPermission = errors.New("permission denied")

	// Infrastructure errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "progression", "session", "durable"
	Op      string // operation that failed, e.g. "CompleteTask"
	Kind    error  // base error for errors.Is() checking
	Message string // human-readable message
	Err     error  // underlying error (optional)
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

// Is implements errors.Is() matching against both the kind and the cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
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

// Validationf builds a validation error with a formatted message.
func Validationf(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrValidation, fmt.Sprintf(format, args...))
}

// Progression domain errors
var (
	ErrUnknownTask          = NewDomainError("progression", "CompleteTask", ErrValidation, "task is not part of today's set")
	ErrTaskAlreadyCompleted = NewDomainError("progression", "CompleteTask", ErrAlreadyCompleted, "task already completed today")
	ErrScoreOutOfRange      = NewDomainError("progression", "CompleteLesson", ErrValueOutOfRange, "score must be between 0 and 100")
	ErrUnknownModule        = NewDomainError("progression", "CompleteLesson", ErrValidation, "unknown module")
	ErrModuleLocked         = NewDomainError("progression", "CompleteLesson", ErrValidation, "module is locked")
	ErrEventApplied         = NewDomainError("progression", "Apply", ErrAlreadyCompleted, "event already applied")
	ErrUnknownAchievement   = NewDomainError("progression", "ClaimAchievement", ErrValidation, "unknown achievement")
	ErrAchievementLocked    = NewDomainError("progression", "ClaimAchievement", ErrValidation, "achievement not completed yet")
	ErrAchievementClaimed   = NewDomainError("progression", "ClaimAchievement", ErrAlreadyCompleted, "achievement reward already claimed")
	ErrUnknownEventKind     = NewDomainError("progression", "Apply", ErrValidation, "unknown event kind")
)

// Session errors
var (
	ErrSessionNotFound = NewDomainError("session", "Find", ErrNotFound, "session not found")
	ErrNotLoggedIn     = NewDomainError("session", "Check", ErrPermission, "no identity bound to session")
	ErrRecordNotFound  = NewDomainError("durable", "Load", ErrNotFound, "progress record not found")
	ErrStoreClosed     = NewDomainError("durable", "Commit", ErrServiceUnavailable, "store is closed")
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
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsAlreadyCompleted checks if the error is the soft idempotence signal.
func IsAlreadyCompleted(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted)
}

// IsPersistence checks if the durable write could not be confirmed.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsPermission checks if the identity was rejected.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}
