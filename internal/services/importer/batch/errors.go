package batch

import (
	"fmt"
	"time"

	perr "adlake/internal/platform/errors"
)

// ThrottleError aborts a batch at Index. Items before Index kept their progress;
// Index and everything after it are resubmitted by the outer retry
type ThrottleError struct {
	Index  int
	Wait   time.Duration
	Source string
	Pct    float64
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("batch throttled at item %d by %s (%.1f%%), retry in %s", e.Index, e.Source, e.Pct, e.Wait)
}

// Unwrap exposes a Throttled code so perr.Retryable treats it as transient
func (e *ThrottleError) Unwrap() error {
	return perr.Throttledf("throttled by %s", e.Source)
}

// RetryAfter is the provider estimate of time to regain access
func (e *ThrottleError) RetryAfter() time.Duration { return e.Wait }

// APIError is a non 200 sub response without a throttle signal
type APIError struct {
	Index   int
	Status  int
	APICode int
	Body    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("batch item %d failed status %d code %d: %s", e.Index, e.Status, e.APICode, e.Body)
}

// Unwrap marks API errors retryable for the outer policy
func (e *APIError) Unwrap() error {
	return perr.Unavailablef("api status %d", e.Status)
}
