package types

import "fmt"

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrQueueFull          ErrorCode = "QUEUE_FULL"
	ErrGuardrailsViolated ErrorCode = "GUARDRAILS_VIOLATED"
	ErrContentFiltered    ErrorCode = "CONTENT_FILTERED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// WithHTTPStatus overrides the HTTP status the API layer responds with.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// HTTPStatusFor maps an error code to the HTTP status the API layer should
// respond with. Backpressure codes map to 429 so clients can distinguish
// load shedding from faults.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest:
		return 400
	case ErrUnauthorized:
		return 401
	case ErrGuardrailsViolated, ErrContentFiltered:
		return 403
	case ErrRateLimited, ErrQueueFull:
		return 429
	case ErrTimeout:
		return 504
	case ErrUpstreamError:
		return 502
	case ErrServiceUnavailable:
		return 503
	default:
		return 500
	}
}
