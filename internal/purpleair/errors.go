package purpleair

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/1broseidon/airsync/pkg/models"
)

// Sentinel errors for fetch failures. Every error returned by Client.Fetch
// matches exactly one of them with errors.Is.
var (
	// ErrUnauthorized indicates the API key was rejected (401/403)
	ErrUnauthorized = errors.New("credential rejected")

	// ErrRateLimited indicates the service refused the request for rate reasons (429)
	ErrRateLimited = errors.New("rate limited")

	// ErrTransport covers network failures, timeouts, an open circuit breaker
	// and any other non-2xx status
	ErrTransport = errors.New("transport failure")

	// ErrMalformedResponse indicates a 2xx body that could not be interpreted
	ErrMalformedResponse = errors.New("malformed response")
)

// maxErrorBodySize bounds how much of an error response body is kept
const maxErrorBodySize = 64 * 1024

// FetchError describes a failed history request
type FetchError struct {
	SensorID   int
	Range      models.TimeRange
	StatusCode int    // 0 when no response was received
	Kind       error  // one of the sentinel errors above
	Detail     string // response body or decode problem
	Err        error  // underlying cause, if any
}

// Error implements the error interface
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("sensor %d history %s: %v", e.SensorID, e.Range, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is allows error comparison against the sentinel kinds
func (e *FetchError) Is(target error) bool {
	return target == e.Kind
}

// Status returns a short label for metrics and logs
func (e *FetchError) Status() string {
	return kindLabel(e.Kind)
}

func kindLabel(kind error) string {
	switch kind {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrRateLimited:
		return "rate_limited"
	case ErrMalformedResponse:
		return "malformed"
	default:
		return "transport"
	}
}

// classifyStatus maps a non-2xx status code to a sentinel kind
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrTransport
	}
}

// readBodyForError reads at most maxErrorBodySize bytes of r
func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	if len(body) == maxErrorBodySize {
		return string(body) + "\n... (truncated)"
	}
	return string(body)
}
