package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class carried across component boundaries.
// The set is closed; handlers map each code onto an HTTP status.
type Code string

const (
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeInvalidURL        Code = "INVALID_URL"
	CodeUnsupportedScheme Code = "UNSUPPORTED_SCHEME"
	CodeSSRFBlocked       Code = "SSRF_BLOCKED"
	CodeRobotsBlocked     Code = "ROBOTS_BLOCKED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeFetchTimeout      Code = "FETCH_TIMEOUT"
	CodeFetchError        Code = "FETCH_ERROR"
	CodeUpstreamHTTP      Code = "UPSTREAM_HTTP_ERROR"
	CodeRenderError       Code = "RENDER_ERROR"
	CodeLLMTimeout        Code = "LLM_TIMEOUT"
	CodeLLMProviderError  Code = "LLM_PROVIDER_ERROR"
	CodeLLMOutputInvalid  Code = "LLM_OUTPUT_INVALID"
	CodeQueueFull         Code = "QUEUE_FULL"
	CodeWorkerStalled     Code = "WORKER_STALLED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeJobNotTerminal    Code = "JOB_NOT_TERMINAL"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is the typed error carried between components. Retryable marks
// failures the fetch layer may retry locally; everything else surfaces.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   map[string]any
	cause     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a typed error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf constructs a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// Retryable marks the error as locally retryable by the fetch layer.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// WithDetails attaches structured detail fields for the error envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the Code from err, or INTERNAL_ERROR when err is not
// a typed error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err carries the retryable bit.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// HTTPStatus maps an error code onto the HTTP status the API surfaces.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return 401
	case CodeForbidden, CodeSSRFBlocked, CodeRobotsBlocked:
		return 403
	case CodeNotFound:
		return 404
	case CodeJobNotTerminal:
		return 409
	case CodeValidation, CodeInvalidURL, CodeUnsupportedScheme:
		return 422
	case CodeRateLimited:
		return 429
	case CodeFetchTimeout, CodeLLMTimeout:
		return 504
	case CodeFetchError, CodeUpstreamHTTP, CodeRenderError, CodeLLMProviderError, CodeLLMOutputInvalid:
		return 502
	case CodeQueueFull:
		return 503
	default:
		return 500
	}
}
