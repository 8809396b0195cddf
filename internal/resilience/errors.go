// Package resilience provides the pipeline error taxonomy and retry with
// exponential backoff for external extraction and persistence calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Sentinel errors surfaced to callers. Per-task extraction failures are
// classified transient or fatal via IsTransient and never fail the session.
var (
	// ErrInvalidInput is a caller error (e.g. empty document batch).
	ErrInvalidInput = eris.New("invalid input")

	// ErrNotFound is returned for unknown session or clarification ids.
	ErrNotFound = eris.New("not found")

	// ErrAlreadyTerminal is returned when cancelling a finished session.
	ErrAlreadyTerminal = eris.New("session already terminal")

	// ErrInvalidResponse means the extractor returned unparseable output.
	// Fatal for the task; the session continues.
	ErrInvalidResponse = eris.New("invalid extractor response")

	// ErrUnsupportedFormat means the ingestor cannot parse the document.
	ErrUnsupportedFormat = eris.New("unsupported document format")
)

// ProviderUnavailable wraps an error that is safe to retry: rate limits,
// timeouts, transient 5xx responses from the extraction provider.
type ProviderUnavailable struct {
	Err        error
	StatusCode int
}

func (e *ProviderUnavailable) Error() string {
	return e.Err.Error()
}

func (e *ProviderUnavailable) Unwrap() error {
	return e.Err
}

// Unavailable wraps an error as a retryable provider failure.
func Unavailable(err error, statusCode int) *ProviderUnavailable {
	return &ProviderUnavailable{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// ProviderUnavailable, or matches common transient network patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pu *ProviderUnavailable
	if errors.As(err, &pu) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics for errors wrapped by HTTP clients.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"overloaded",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether the status code indicates a
// server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
