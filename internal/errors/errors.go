// Package errors provides the categorized error types used across the
// analysis pipeline.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// Configuration is a missing or invalid setting. Fatal at startup.
	Configuration
	// Navigation is an unreachable URL or an HTTP error status.
	Navigation
	// Timeout is a navigation or model call that ran out of time.
	Timeout
	// RateLimit is a rejection by a rate limiter (ours or the remote's).
	RateLimit
	// Extraction is a failure reading a node from the page.
	Extraction
	// Synthesis is an unusable model reply or a failed model call.
	Synthesis
	// Persistence is a store that could not be read or written.
	Persistence
	// Orchestration is an unexpected fault while running a job.
	Orchestration
	// Browser represents browser/CDP errors.
	Browser
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Configuration:
		return "configuration"
	case Navigation:
		return "navigation"
	case Timeout:
		return "timeout"
	case RateLimit:
		return "rate_limit"
	case Extraction:
		return "extraction"
	case Synthesis:
		return "synthesis"
	case Persistence:
		return "persistence"
	case Orchestration:
		return "orchestration"
	case Browser:
		return "browser"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether errors of this type should be retried.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Timeout, RateLimit, Browser:
		return true
	default:
		return false
	}
}

// QAError is a categorized pipeline error.
type QAError struct {
	Type       ErrorType
	URL        string
	Operation  string
	Message    string
	Cause      error
	StatusCode int
	Retryable  bool
}

// Error implements the error interface.
func (e *QAError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s error during %s", e.Type, e.Operation)
	if e.URL != "" {
		fmt.Fprintf(&b, " on %s", e.URL)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *QAError) Unwrap() error {
	return e.Cause
}

// Is matches another QAError of the same type.
func (e *QAError) Is(target error) bool {
	t, ok := target.(*QAError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// New creates a new QAError.
func New(errType ErrorType, url, operation, message string, cause error) *QAError {
	return &QAError{
		Type:      errType,
		URL:       url,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewConfigurationError reports a missing or invalid setting.
func NewConfigurationError(setting, message string) *QAError {
	return New(Configuration, "", "configure "+setting, message, nil)
}

// NewNavigationError creates a navigation error.
func NewNavigationError(url string, cause error) *QAError {
	return New(Navigation, url, "navigate", "navigation failed", cause)
}

// NewHTTPStatusError reports a document response with an error status.
func NewHTTPStatusError(url string, statusCode int) *QAError {
	err := New(Navigation, url, "navigate", fmt.Sprintf("HTTP error %d", statusCode), nil)
	err.StatusCode = statusCode
	return err
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(url, operation string, cause error) *QAError {
	return New(Timeout, url, operation, "operation timed out", cause)
}

// NewRateLimitError reports a rejected admission for a domain.
func NewRateLimitError(url, domain string) *QAError {
	return New(RateLimit, url, "admit", "rate limit exceeded for "+domain, nil)
}

// NewExtractionError reports a node that could not be read.
func NewExtractionError(url, selector string, cause error) *QAError {
	return New(Extraction, url, "extract", "failed to read node "+selector, cause)
}

// NewSynthesisError reports an unusable model reply or call.
func NewSynthesisError(operation, message string, cause error) *QAError {
	return New(Synthesis, "", operation, message, cause)
}

// NewPersistenceError reports a store failure.
func NewPersistenceError(operation string, cause error) *QAError {
	return New(Persistence, "", operation, "store operation failed", cause)
}

// NewOrchestrationError reports an internal fault while running a job.
func NewOrchestrationError(jobID string, cause error) *QAError {
	return New(Orchestration, "", "run job "+jobID, "job processing failed", cause)
}

// NewBrowserError creates a browser error.
func NewBrowserError(url, operation string, cause error) *QAError {
	return New(Browser, url, operation, "browser operation failed", cause)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(url, operation string) *QAError {
	err := New(Cancelled, url, operation, "operation cancelled", nil)
	err.Retryable = false
	return err
}

// Categorize determines the error type from a generic error.
func Categorize(err error, url string) *QAError {
	if err == nil {
		return nil
	}

	var qaErr *QAError
	if errors.As(err, &qaErr) {
		return qaErr
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(url, "request")
	}

	if isTimeout(err) {
		return NewTimeoutError(url, "request", err)
	}

	if isNetworkError(err) {
		return NewNavigationError(url, err)
	}

	return New(Unknown, url, "request", err.Error(), err)
}

// CategorizeHTTPStatus creates an error from an HTTP status code, or nil
// for statuses below 400.
func CategorizeHTTPStatus(statusCode int, url string) *QAError {
	switch {
	case statusCode == 429:
		err := New(RateLimit, url, "navigate", "remote rate limit", nil)
		err.StatusCode = statusCode
		return err
	case statusCode >= 400:
		return NewHTTPStatusError(url, statusCode)
	default:
		return nil
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	// Chrome reports navigation failures as net::ERR_* strings.
	errStr := err.Error()
	return strings.Contains(errStr, "net::ERR_") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var qaErr *QAError
	if errors.As(err, &qaErr) {
		return qaErr.Retryable
	}

	return isTimeout(err) || isNetworkError(err)
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var qaErr *QAError
	if errors.As(err, &qaErr) {
		return qaErr.Type
	}
	return Unknown
}

// IsType reports whether err is a QAError of the given type.
func IsType(err error, t ErrorType) bool {
	return GetErrorType(err) == t
}
