package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict      ErrorCode = "CONFLICT"

	// Upstream account API
	ErrCodeCredentialInvalid   ErrorCode = "CREDENTIAL_INVALID"
	ErrCodeTokenStale          ErrorCode = "TOKEN_STALE"
	ErrCodeTransientNetwork    ErrorCode = "TRANSIENT_NETWORK"
	ErrCodeUpstreamRejected    ErrorCode = "UPSTREAM_REJECTED"
	ErrCodeAlreadyDone         ErrorCode = "ALREADY_DONE"
	ErrCodeDeviceIDUnavailable ErrorCode = "DEVICE_ID_UNAVAILABLE"

	// Batch runs
	ErrCodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func AlreadyExists(resource string) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func CredentialInvalid(message string) *AppError {
	return New(ErrCodeCredentialInvalid, message)
}

func TokenStale() *AppError {
	return New(ErrCodeTokenStale, "Token was rejected and has been refreshed")
}

func TransientNetwork(cause error) *AppError {
	return Wrap(ErrCodeTransientNetwork, "Upstream request failed", cause)
}

func UpstreamRejected(code int, message string) *AppError {
	return New(ErrCodeUpstreamRejected, fmt.Sprintf("Upstream rejected request: code=%d %s", code, message)).
		WithDetails(map[string]any{"code": code, "message": message})
}

func AlreadyDone(message string) *AppError {
	return New(ErrCodeAlreadyDone, message)
}

func DeviceIDUnavailable(cause error) *AppError {
	return Wrap(ErrCodeDeviceIDUnavailable, "Device id generator is not available", cause)
}

func AlreadyRunning() *AppError {
	return New(ErrCodeAlreadyRunning, "A check-in run is already in progress")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether a per-account operation may be attempted again.
// Stale tokens, network failures and unknown upstream codes are retryable;
// credential and configuration failures are not.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeTokenStale, ErrCodeTransientNetwork, ErrCodeUpstreamRejected:
		return true
	default:
		return false
	}
}
