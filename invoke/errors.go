package invoke

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonwraymond/evalops/resilience"
)

var (
	// ErrInvalidConfig is returned by constructors given unusable settings.
	ErrInvalidConfig = errors.New("invoke: invalid configuration")

	// ErrEmptyResponse is returned when the model answered with nothing.
	ErrEmptyResponse = errors.New("invoke: empty response")

	// ErrInvalidResponse is returned when a response that must be JSON is
	// not.
	ErrInvalidResponse = errors.New("invoke: response is not valid JSON")
)

// StatusError is a non-2xx answer from the remote endpoint.
type StatusError struct {
	Code int

	// Body is a prefix of the response body, for diagnostics.
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("invoke: http %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("invoke: http %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return RetryableStatus(e.Code)
}

// RetryableStatus reports whether an HTTP status code signals a transient
// condition: throttling, a timeout or a server-side fault.
func RetryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

// classifyStatus marks a StatusError for the resilience wrapper.
func classifyStatus(code int, body string) error {
	err := &StatusError{Code: code, Body: body}
	if err.Retryable() {
		return transient(err)
	}
	return permanent(err)
}

func transient(err error) error { return resilience.Transient(err) }
func permanent(err error) error { return resilience.Permanent(err) }
