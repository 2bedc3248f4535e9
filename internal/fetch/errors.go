package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrContentLengthMismatch = errors.New("fetch: content length does not match requested range")
	ErrRangeNotSupported     = errors.New("fetch: server does not support range requests")
	ErrStalled               = errors.New("fetch: no data received within the wait limit")
)

// StatusError is a non-success response. It keeps the URL, status and headers of the last
// failed attempt for diagnostics.
type StatusError struct {
	URL        string
	StatusCode int
	Header     http.Header
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func newStatusError(url string, resp *http.Response) *StatusError {
	return &StatusError{
		URL:        url,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
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

// authExpiryCodes signal that a substituted (signed) URL has gone stale.
var authExpiryCodes = map[int]bool{
	401: true,
	403: true,
	419: true,
	440: true,
	498: true,
	499: true,
}

func isAuthExpiry(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && authExpiryCodes[se.StatusCode]
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// callbackError marks a failure raised by the chunk consumer. It is never retried.
type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// Retryable reports whether err is transient: 5xx, 429, 408, any status carrying Retry-After,
// stalls and network level failures. Integrity and consumer errors are fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return false
	}
	if errors.Is(err, ErrContentLengthMismatch) || errors.Is(err, ErrRangeNotSupported) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.StatusCode) || se.RetryAfter > 0
	}
	return true
}
