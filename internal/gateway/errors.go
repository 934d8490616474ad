package gateway

import (
	"errors"
	"fmt"
)

// ErrorClass partitions backend failures by how the orchestrator reacts.
type ErrorClass string

const (
	// ClassConcurrencyLimit marks start attempts rejected above the
	// backend's concurrent-interaction quota. Retried by the dispatch
	// backoff policy.
	ClassConcurrencyLimit ErrorClass = "concurrency_limit"
	// ClassThrottled marks generic rate limiting. Retried like a
	// concurrency rejection.
	ClassThrottled ErrorClass = "throttled"
	// ClassNotIndexed marks an outcome search that found nothing yet.
	// Retried by the eventual-consistency policy.
	ClassNotIndexed ErrorClass = "not_indexed"
	// ClassPermanent marks authorization failures, missing resources, and
	// other errors that retrying cannot fix.
	ClassPermanent ErrorClass = "permanent"
	// ClassTransport marks connection-level failures of unknown cause.
	ClassTransport ErrorClass = "transport"
)

// BackendError is a classified backend failure.
type BackendError struct {
	Class   ErrorClass
	Code    string
	Message string
	cause   error
}

// NewBackendError builds a classified error wrapping its cause.
func NewBackendError(class ErrorClass, code, message string, cause error) *BackendError {
	return &BackendError{Class: class, Code: code, Message: message, cause: cause}
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend %s (%s): %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("backend %s: %s", e.Class, e.Message)
}

func (e *BackendError) Unwrap() error { return e.cause }

// ClassOf extracts the error class, or empty for unclassified errors.
func ClassOf(err error) ErrorClass {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}
	return ""
}

// IsConcurrencyLimited reports whether err is a quota or throttle rejection.
func IsConcurrencyLimited(err error) bool {
	class := ClassOf(err)
	return class == ClassConcurrencyLimit || class == ClassThrottled
}

// IsNotIndexed reports whether err means the outcome is not visible yet.
func IsNotIndexed(err error) bool {
	return ClassOf(err) == ClassNotIndexed
}

// IsPermanent reports whether err cannot be fixed by retrying.
func IsPermanent(err error) bool {
	return ClassOf(err) == ClassPermanent
}

// ValidationError marks malformed inputs rejected before any backend call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TargetUnresolvedError marks a case whose deployment provides none of the
// identifiers needed to reach the backend. The case cannot run in this
// environment; runners skip it rather than failing it.
type TargetUnresolvedError struct {
	Missing string
}

func (e *TargetUnresolvedError) Error() string {
	return fmt.Sprintf("target unresolved: %s not configured", e.Missing)
}

// IsTargetUnresolved reports whether err means the environment lacks the
// target identifiers for this case.
func IsTargetUnresolved(err error) bool {
	var te *TargetUnresolvedError
	return errors.As(err, &te)
}
