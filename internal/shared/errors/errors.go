package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound      = errors.New("resource not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrBadRequest    = errors.New("bad request")
	ErrConflict      = errors.New("conflict")
	ErrInternal      = errors.New("internal error")
	ErrValidation    = errors.New("validation error")
	ErrInvalidState  = errors.New("invalid state")
	ErrDependency    = errors.New("dependency unavailable")
	ErrCrypto        = errors.New("cryptographic failure")
	ErrIntegrity     = errors.New("integrity failure")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	// Retryable is set for transient failures so callers can
	// distinguish them from definitive rejections.
	Retryable bool `json:"retryable,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error. The message carries the specific
// denial reason so callers can surface it to operators and audit logs.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_FAILED",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// InvalidState signals an operation that the aggregate's current status
// does not permit, e.g. signing a voided document.
func InvalidState(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidState,
		Message:    message,
		Code:       "INVALID_STATE",
		HTTPStatus: http.StatusConflict,
	}
}

// ConflictingUpdate signals an optimistic concurrency clash. Callers
// should re-read and retry.
func ConflictingUpdate(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    fmt.Sprintf("%s was modified concurrently", resource),
		Code:       "CONFLICTING_UPDATE",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"resource": resource, "id": id},
		Retryable:  true,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// DependencyUnavailable signals that an external system (timestamp
// authority, revocation responder, object store) could not be reached.
// Maps to 503 so clients retry with backoff.
func DependencyUnavailable(dependency string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrDependency, err),
		Message:    fmt.Sprintf("%s unavailable", dependency),
		Code:       "DEPENDENCY_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]string{"dependency": dependency},
		Retryable:  true,
	}
}

// CryptoFailure signals a failed cryptographic operation: signing,
// digesting, envelope assembly or parsing.
func CryptoFailure(message string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrCrypto, err),
		Message:    message,
		Code:       "CRYPTO_FAILURE",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// IntegrityFailure signals corrupted or tampered stored state, e.g. a
// broken audit hash chain or a content digest mismatch.
func IntegrityFailure(message string) *AppError {
	return &AppError{
		Err:        ErrIntegrity,
		Message:    message,
		Code:       "INTEGRITY_FAILURE",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	if appErr, ok := err.(*AppError); ok {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Code extracts the application error code, or INTERNAL_ERROR for
// unclassified errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}
