package scraper

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks transport-level failures: DNS, connect, reset, bad URL.
	ErrNetwork = errors.New("network error")
	// ErrTimeout marks an attempt that exceeded its time bound.
	ErrTimeout = errors.New("timeout")
)

// HTTPStatusError is returned for a response outside the 2xx range.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	// Challenge names the bot-protection vendor when the body is a challenge page.
	Challenge string
}

func (e *HTTPStatusError) Error() string {
	if e.Challenge != "" {
		return fmt.Sprintf("HTTP %d from %s (%s challenge)", e.StatusCode, e.URL, e.Challenge)
	}
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// StatusCode extracts the HTTP status from err, or 0 if err is not an HTTPStatusError.
func StatusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// outcome labels err for metrics and logs.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case StatusCode(err) != 0:
		return "http_status"
	default:
		return "network"
	}
}
