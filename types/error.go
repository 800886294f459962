package types

import "fmt"

// ErrorCode represents a unified error code across the gateway.
type ErrorCode string

// Selection error codes
const (
	ErrLogicalModelNotFound ErrorCode = "LOGICAL_MODEL_NOT_FOUND"
	ErrLogicalModelDisabled ErrorCode = "LOGICAL_MODEL_DISABLED"
	ErrNoAuthorizedProvider ErrorCode = "NO_AUTHORIZED_PROVIDER"
	ErrNoUpstreamAvailable  ErrorCode = "NO_UPSTREAM_AVAILABLE"
)

// Dispatch error codes
const (
	ErrUpstreamRetryable     ErrorCode = "UPSTREAM_RETRYABLE_FAILURE"
	ErrUpstreamFatal         ErrorCode = "UPSTREAM_FATAL_FAILURE"
	ErrUpstreamAllFailed     ErrorCode = "UPSTREAM_ALL_FAILED"
	ErrMidStreamDisconnect   ErrorCode = "MID_STREAM_DISCONNECT"
	ErrUpstreamTimeout       ErrorCode = "UPSTREAM_TIMEOUT"
	ErrRateLimited           ErrorCode = "RATE_LIMITED"
	ErrStateStoreUnavailable ErrorCode = "STATE_STORE_UNAVAILABLE"
)

// Surface error codes
const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrForbidden         ErrorCode = "FORBIDDEN"
	ErrModerationBlocked ErrorCode = "MODERATION_BLOCKED"
	ErrAccountUnusable   ErrorCode = "ACCOUNT_UNUSABLE"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Retryable  bool           `json:"retryable"`
	Provider   string         `json:"provider,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithDetail attaches a key/value pair to the error details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
