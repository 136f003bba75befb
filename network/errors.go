package network

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const maxErrorBodySize = 1024

// StatusError is returned by the API client when the server answers with an unexpected status code.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is parsed from the Retry-After header, zero when absent.
	RetryAfter time.Duration
}

// NewStatusError ...
func NewStatusError(resp Response) *StatusError {
	body := resp.Body
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header, time.Now()),
	}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports an HTTP 429 response.
func (e *StatusError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited reports whether err carries an HTTP 429 response anywhere in its chain.
func IsRateLimited(err error) (bool, time.Duration) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.IsRateLimited() {
		return true, statusErr.RetryAfter
	}
	return false, 0
}

func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
