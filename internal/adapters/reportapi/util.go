package reportapi

import (
	"errors"
	"io"
	"time"

	perr "adlake/internal/platform/errors"
)

// StatusError wraps a non 200 outer response
type StatusError struct {
	Status  int
	APICode int
	Body    string
	Wait    time.Duration
	Err     error
}

// Error interface
func (e *StatusError) Error() string { return e.Err.Error() }

// Unwrap interface
func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus interface
func (e *StatusError) HTTPStatus() int { return e.Status }

// RetryAfter is the provider estimate of time to regain access, zero when unknown
func (e *StatusError) RetryAfter() time.Duration { return e.Wait }

// IsRateLimited reports whether err is a StatusError carrying a throttle signal
func IsRateLimited(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == 429 || perr.IsCode(se.Err, perr.ErrorCodeThrottled)
	}
	return false
}

func drainAndClose(rc io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 512))
	return rc.Close()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
