package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a provider API returning 5xx.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a concurrent status change, a unique key collision.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, missing box, health check timeout.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes exposed to callers. Every request-time and step failure carries one.
const (
	ErrCodeValidation    = "VALIDATION_FAILED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeInvalidStatus = "INVALID_STATUS"
	ErrCodeProvider      = "PROVIDER_ERROR"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information, such as
	// the upstream status of a provider failure.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// ValidationError reports invalid caller input.
func ValidationError(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeValidation)
}

// NotFoundError reports a missing entity.
func NotFoundError(kind, id string) *EngineError {
	return NewPermanentError(kind+" not found", nil).WithCode(ErrCodeNotFound).WithResource(id)
}

// AlreadyExistsError reports a uniqueness violation.
func AlreadyExistsError(kind, id string) *EngineError {
	return NewConflictError(kind+" already exists", nil).WithCode(ErrCodeAlreadyExists).WithResource(id)
}

// InvalidStatusError reports a disallowed state transition.
func InvalidStatusError(resource string, from, to BoxStatus) *EngineError {
	return NewPermanentError(fmt.Sprintf("cannot transition from %s to %s", from, to), nil).
		WithCode(ErrCodeInvalidStatus).
		WithResource(resource).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// ProviderError wraps an upstream compute provider failure. Server side
// failures (status >= 500 or 0 for transport errors) are transient, 429 is
// throttled, everything else is permanent.
func ProviderError(operation string, status int, upstream string, err error) *EngineError {
	msg := fmt.Sprintf("%s failed", operation)
	if status != 0 {
		msg = fmt.Sprintf("%s failed with status %d", operation, status)
	}
	if upstream != "" {
		msg += ": " + upstream
	}

	var e *EngineError
	switch {
	case status == 429:
		e = NewThrottledError(msg, err)
	case status == 0 || status >= 500:
		e = NewTransientError(msg, err)
	default:
		e = NewPermanentError(msg, err)
	}
	e = e.WithCode(ErrCodeProvider).WithOperation(operation)
	if status != 0 {
		e = e.WithDetail("status", status)
	}
	if upstream != "" {
		e = e.WithDetail("upstream", upstream)
	}
	return e
}

// TimeoutError reports an operation that exceeded its deadline. The message
// always contains "timed out".
func TimeoutError(operation string, after fmt.Stringer) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s timed out after %s", operation, after), nil).
		WithCode(ErrCodeTimeout).
		WithOperation(operation)
}

// InternalError wraps an unexpected failure such as a storage error.
func InternalError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeInternal)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first EngineError in the chain, or
// INTERNAL_ERROR for unclassified errors. It returns "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsInvalidStatus reports whether err is an INVALID_STATUS error.
func IsInvalidStatus(err error) bool { return HasCode(err, ErrCodeInvalidStatus) }

// IsValidation reports whether err is a VALIDATION_FAILED error.
func IsValidation(err error) bool { return HasCode(err, ErrCodeValidation) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable. Unclassified
// errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *EngineError
	if !errors.As(err, &e) {
		return true
	}
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}
