package domain

import (
	"context"
	stderrs "errors"
	"fmt"
	"strings"

	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
)

var (
	// ErrSkipEntity means a suspending signature or page size exhaustion hit; the
	// whole entity is abandoned and its incomplete items marked error
	ErrSkipEntity = perr.New(perr.ErrorCodeEntitySkipped, "entity skipped")

	// ErrRetryCeiling means a report exceeded its retry attempts; the item errors
	// and the entity is abandoned for this run
	ErrRetryCeiling = perr.New(perr.ErrorCodeRetryCeiling, "report retry ceiling exceeded")

	// ErrRuntimeExceeded is the job wide budget signal
	ErrRuntimeExceeded = backoff.ErrRuntimeExceeded

	// ErrIllegalTransition is returned for a rejected report state change
	ErrIllegalTransition = perr.New(perr.ErrorCodeInvalidArgument, "illegal report state transition")
)

// WarningError lists reports that ended in a warning state. The queue item is
// requeued pending and retried next run
type WarningError struct {
	Reports []string
	Reasons []string
}

func (e *WarningError) Error() string {
	return fmt.Sprintf("%d report(s) ended with warnings: %s", len(e.Reports), strings.Join(e.Reports, ", "))
}

// NewWarning builds a WarningError from the requests in a warning state, or nil
func NewWarning(rs Requests) error {
	ws := rs.Warnings()
	if len(ws) == 0 {
		return nil
	}
	e := &WarningError{}
	for _, r := range ws {
		e.Reports = append(e.Reports, r.ID)
		e.Reasons = append(e.Reasons, r.State.String()+": "+r.Reason)
	}
	return e
}

// Outcome is how the orchestrator reacts to a pipeline result
type Outcome int

const (
	// OutcomeComplete marks the item complete
	OutcomeComplete Outcome = iota
	// OutcomeWarning requeues the item pending and counts a warning
	OutcomeWarning
	// OutcomeSkipEntity errors the item and every incomplete item of the entity
	OutcomeSkipEntity
	// OutcomeAbandonEntity errors the item and stops the entity for this run
	OutcomeAbandonEntity
	// OutcomeJobStop requeues the item pending and stops accepting work job wide
	OutcomeJobStop
	// OutcomeError errors the item and continues with the entity
	OutcomeError
)

var outcomeNames = [...]string{"complete", "warning", "skip_entity", "abandon_entity", "job_stop", "error"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Classify maps a pipeline error onto an Outcome
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeComplete
	}
	var w *WarningError
	switch {
	case backoff.IsRuntimeExceeded(err):
		return OutcomeJobStop
	case stderrs.Is(err, ErrSkipEntity) || perr.IsCode(err, perr.ErrorCodeEntitySkipped):
		return OutcomeSkipEntity
	case stderrs.Is(err, ErrRetryCeiling) || perr.IsCode(err, perr.ErrorCodeRetryCeiling):
		return OutcomeAbandonEntity
	case stderrs.As(err, &w):
		return OutcomeWarning
	}
	return OutcomeError
}

// RetryFailure maps the error that ended a retry loop onto the pipeline
// sentinels: budget exhaustion stays job scoped, spent retries on transient
// errors become ErrRetryCeiling, anything else passes through
func RetryFailure(phase string, err error) error {
	switch {
	case err == nil:
		return nil
	case backoff.IsRuntimeExceeded(err):
		return ErrRuntimeExceeded
	case stderrs.Is(err, context.Canceled), stderrs.Is(err, context.DeadlineExceeded):
		return err
	case perr.Retryable(err):
		return perr.Wrapf(ErrRetryCeiling, perr.ErrorCodeRetryCeiling, "%s: %v", phase, err)
	}
	return err
}
