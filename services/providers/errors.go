package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies a normalized provider failure
type ErrorKind string

const (
	ErrorKindRateLimit      ErrorKind = "rate_limit"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindServerError    ErrorKind = "server_error"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindUnsupported    ErrorKind = "unsupported_operation"
	ErrorKindConfiguration  ErrorKind = "configuration"
)

// NormalizedError is the vendor-agnostic failure returned by every adapter
type NormalizedError struct {
	// Provider that generated the error; empty for facade-level errors
	Provider ProviderTag

	// Kind is the error classification
	Kind ErrorKind

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human readable error message
	Message string

	// Raw is the vendor error payload, kept for diagnostics
	Raw json.RawMessage

	// Retryable indicates if another provider may succeed
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *NormalizedError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(string(e.Provider))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (%v)", e.Cause)
	}
	return b.String()
}

// Unwrap implements error unwrapping
func (e *NormalizedError) Unwrap() error {
	return e.Cause
}

// Is matches on Kind, and on Provider when the target names one
func (e *NormalizedError) Is(target error) bool {
	t, ok := target.(*NormalizedError)
	if !ok {
		return false
	}
	if t.Provider != "" && t.Provider != e.Provider {
		return false
	}
	return e.Kind == t.Kind
}

// NewNormalizedError creates a new normalized error
func NewNormalizedError(provider ProviderTag, kind ErrorKind, message string, statusCode int, retryable bool, cause error) *NormalizedError {
	return &NormalizedError{
		Provider:   provider,
		Kind:       kind,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// Sentinels for errors.Is checks against a classification
var (
	ErrRateLimited          = &NormalizedError{Kind: ErrorKindRateLimit}
	ErrInvalidRequest       = &NormalizedError{Kind: ErrorKindInvalidRequest}
	ErrAuthenticationFailed = &NormalizedError{Kind: ErrorKindAuthentication}
	ErrServerError          = &NormalizedError{Kind: ErrorKindServerError}
	ErrTimeout              = &NormalizedError{Kind: ErrorKindTimeout}
	ErrUnsupported          = &NormalizedError{Kind: ErrorKindUnsupported}
	ErrConfiguration        = &NormalizedError{Kind: ErrorKindConfiguration}

	// ErrProviderNotFound is returned when a tag names no configured provider
	ErrProviderNotFound = errors.New("provider not configured")
)

// NewUnsupportedError reports an operation the vendor cannot perform
func NewUnsupportedError(provider ProviderTag, operation string) *NormalizedError {
	return NewNormalizedError(provider, ErrorKindUnsupported,
		fmt.Sprintf("%s is not supported by %s", operation, provider), 0, false, nil)
}

// NewConfigurationError reports a missing or unusable configuration
func NewConfigurationError(message string, cause error) *NormalizedError {
	return NewNormalizedError("", ErrorKindConfiguration, message, 0, false, cause)
}

// NewInvalidRequestError reports a request rejected before reaching the vendor
func NewInvalidRequestError(provider ProviderTag, cause error) *NormalizedError {
	return NewNormalizedError(provider, ErrorKindInvalidRequest, "invalid request", http.StatusBadRequest, false, cause)
}

// ClassifyStatus maps a vendor HTTP status to a kind and retryability.
//
//	429  -> rate_limit, retryable
//	401  -> authentication
//	>=500 -> server_error, retryable
//	other 4xx -> invalid_request
func ClassifyStatus(statusCode int) (ErrorKind, bool) {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorKindRateLimit, true
	case statusCode == http.StatusUnauthorized:
		return ErrorKindAuthentication, false
	case statusCode >= 500:
		return ErrorKindServerError, true
	default:
		return ErrorKindInvalidRequest, false
	}
}

// vendorErrorBody covers the error envelopes of all three vendors
type vendorErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Status  string `json:"status"`
	} `json:"error"`
	Message string `json:"message"`
}

// FromStatus converts a non-2xx vendor response into a normalized error
func FromStatus(provider ProviderTag, statusCode int, body []byte) *NormalizedError {
	kind, retryable := ClassifyStatus(statusCode)

	message := http.StatusText(statusCode)
	var parsed vendorErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Error.Message != "":
			message = parsed.Error.Message
		case parsed.Message != "":
			message = parsed.Message
		}
	} else if s := strings.TrimSpace(string(body)); s != "" {
		message = s
	}

	e := NewNormalizedError(provider, kind, message, statusCode, retryable, nil)
	if json.Valid(body) {
		e.Raw = append(json.RawMessage(nil), body...)
	}
	return e
}

// FromTransportError converts a network or context failure into a normalized
// error. Caller cancellation is not retryable; deadlines and network
// timeouts are.
func FromTransportError(provider ProviderTag, err error) *NormalizedError {
	var ne *NormalizedError
	if errors.As(err, &ne) {
		return ne
	}

	if errors.Is(err, context.Canceled) {
		return NewNormalizedError(provider, ErrorKindTimeout, "request cancelled", 0, false, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewNormalizedError(provider, ErrorKindTimeout, "request timed out", 0, true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewNormalizedError(provider, ErrorKindTimeout, "request timed out", 0, true, err)
	}
	return NewNormalizedError(provider, ErrorKindServerError, "HTTP request failed", 0, true, err)
}

// AsNormalized extracts a NormalizedError from an error chain
func AsNormalized(err error) (*NormalizedError, bool) {
	var ne *NormalizedError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// IsFallbackEligible reports whether the next provider should be tried.
// Only retryable or rate-limited normalized errors qualify.
func IsFallbackEligible(err error) bool {
	ne, ok := AsNormalized(err)
	if !ok {
		return false
	}
	return ne.Retryable || ne.Kind == ErrorKindRateLimit
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	ne, ok := AsNormalized(err)
	return ok && ne.Retryable
}
