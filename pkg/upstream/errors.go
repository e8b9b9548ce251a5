package upstream

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrNotFound is returned by single-entity lookups that the upstream answers with 404.
	ErrNotFound = errors.New("not found")

	// ErrRetryExhausted is wrapped by every UpstreamError.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled while waiting to retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of failed attempts.
type ErrorClass string

const (
	// ErrorClassRateLimit represents HTTP 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassStatus represents any other non-200, non-404 status.
	ErrorClassStatus ErrorClass = "status"

	// ErrorClassNetwork represents timeouts and connection failures.
	ErrorClassNetwork ErrorClass = "network"
)

// UpstreamError is returned when all attempts of a logical call failed.
// StatusCode is 0 when no response was ever received.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Attempts   int
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return fmt.Sprintf("setlist.fm unreachable at %s after %d attempts: %v",
				e.Endpoint, e.Attempts, e.Err)
		}
		return fmt.Sprintf("setlist.fm unreachable at %s after %d attempts", e.Endpoint, e.Attempts)
	}
	return fmt.Sprintf("setlist.fm %s error (status %d) at %s after %d attempts: %s",
		e.ErrorClass, e.StatusCode, e.Endpoint, e.Attempts, e.Body)
}

// Unwrap exposes ErrRetryExhausted and the last transport error to errors.Is/As.
func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRetryExhausted, e.Err}
	}
	return []error{ErrRetryExhausted}
}

// IsUpstreamError reports whether err is (or wraps) an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// classifyStatus maps a non-success status code to an error class.
func classifyStatus(status int) ErrorClass {
	if status == 429 {
		return ErrorClassRateLimit
	}
	return ErrorClassStatus
}

// shouldBackoff reports whether a failed attempt of this class waits before
// the next one. Network failures retry immediately, still behind the gate.
func shouldBackoff(class ErrorClass) bool {
	switch class {
	case ErrorClassRateLimit, ErrorClassStatus:
		return true
	default:
		return false
	}
}

// cleanBody trims an error body for logging. The upstream sometimes answers
// errors with a full HTML page.
func cleanBody(body []byte) string {
	text := string(body)
	if strings.Contains(strings.ToLower(text), "<html") {
		return "[HTML page]"
	}
	text = strings.TrimSpace(text)
	if len(text) > 512 {
		text = text[:512] + "..."
	}
	return text
}
