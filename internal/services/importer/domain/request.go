package domain

import (
	"time"

	perr "adlake/internal/platform/errors"
)

// PhaseStat is per phase telemetry for one request
type PhaseStat struct {
	Elapsed time.Duration `json:"elapsed"`
	Bytes   int64         `json:"bytes"`
	Calls   int           `json:"calls"`
}

// ReportRequest is one trackable report fetch within a queue item's processing pass.
// It is owned by a single entity worker and never shared
type ReportRequest struct {
	ID       string     `json:"id"`
	Report   string     `json:"report"`
	Kind     ReportKind `json:"kind"`
	Parser   string     `json:"parser"`
	EntityID string     `json:"entity_id"`
	ScopeID  string     `json:"scope_id,omitempty"`

	// Endpoint is the relative path used to queue the job or list the dimension
	Endpoint string `json:"endpoint"`
	// URL is the current relative target, retargeted per page and per page size
	URL string `json:"url"`

	RunID        string      `json:"run_id,omitempty"`
	PageSize     int         `json:"page_size"`
	Page         int         `json:"page"`
	RetryAttempt int         `json:"retry_attempt"`
	State        ReportState `json:"state"`

	// Resume is where a RetryPageSize request returns once a smaller size is chosen
	Resume ReportState `json:"resume"`

	// Reason carries the last failure description for warnings and skips
	Reason string `json:"reason,omitempty"`

	Telemetry map[Phase]PhaseStat `json:"telemetry,omitempty"`
}

// Transition moves the request to `to` or returns ErrIllegalTransition
func (r *ReportRequest) Transition(to ReportState) error {
	if !CanTransition(r.State, to) {
		return perr.Wrapf(ErrIllegalTransition, perr.ErrorCodeInvalidArgument,
			"report %s: %s -> %s", r.ID, r.State, to)
	}
	if to == StateRetryPageSize {
		switch r.State {
		case StateQueued, StatePolling:
			r.Resume = StatePolling
		default:
			r.Resume = StateReady
		}
	}
	r.State = to
	return nil
}

// AssignRunID records the async job id. A run id is immutable for the processing pass
func (r *ReportRequest) AssignRunID(id string) error {
	if id == "" {
		return perr.InvalidArgf("report %s: empty run id", r.ID)
	}
	if r.RunID != "" && r.RunID != id {
		return perr.Wrapf(ErrIllegalTransition, perr.ErrorCodeInvalidArgument,
			"report %s: run id already %s", r.ID, r.RunID)
	}
	if err := r.Transition(StateQueued); err != nil {
		return err
	}
	r.RunID = id
	return nil
}

// Skip marks the request SkipEntity with a reason. Terminal requests are left alone
func (r *ReportRequest) Skip(reason string) {
	if r.State.Terminal() {
		return
	}
	r.State = StateSkipEntity
	r.Reason = reason
}

// Record adds telemetry for phase
func (r *ReportRequest) Record(phase Phase, elapsed time.Duration, bytes int) {
	if r.Telemetry == nil {
		r.Telemetry = make(map[Phase]PhaseStat)
	}
	st := r.Telemetry[phase]
	st.Elapsed += elapsed
	st.Bytes += int64(bytes)
	st.Calls++
	r.Telemetry[phase] = st
}

// ResetForResume normalizes a request loaded from a snapshot so the next pass
// restarts any in flight download from page one. It reports whether the local
// partial artifact must be discarded
func (r *ReportRequest) ResetForResume() (discardPartial bool) {
	switch r.State {
	case StateDownloading, StateDownloadFailed:
		r.State = StateReady
		r.rewind()
		return true
	case StateRetryPageSize:
		r.State = r.Resume
		if r.State != StatePolling {
			r.State = StateReady
		}
		r.rewind()
		return true
	case StateStatusCheckFailed:
		r.State = StateCreated
		r.RunID = ""
		r.Reason = ""
		return false
	}
	return false
}

// rewind points URL back at the first page at the current page size
func (r *ReportRequest) rewind() {
	r.Page = 0
	r.Reason = ""
	r.URL = FirstPageURL(r)
}

// Rewind is the exported form used by the tracker after a local write failure
func (r *ReportRequest) Rewind() { r.rewind() }

// FirstPageURL builds the relative URL of the first result page
func FirstPageURL(r *ReportRequest) string {
	switch r.Kind {
	case KindDimension:
		return withLimit(r.Endpoint, r.PageSize)
	default:
		if r.RunID == "" {
			return r.Endpoint
		}
		return withLimit(r.RunID+"/insights", r.PageSize)
	}
}

// Requests is the working set of one queue item
type Requests []*ReportRequest

// Where returns the requests matching pred
func (rs Requests) Where(pred func(*ReportRequest) bool) Requests {
	var out Requests
	for _, r := range rs {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// InState returns requests currently in any of states
func (rs Requests) InState(states ...ReportState) Requests {
	return rs.Where(func(r *ReportRequest) bool {
		for _, s := range states {
			if r.State == s {
				return true
			}
		}
		return false
	})
}

// AnySkipped reports whether any request signalled SkipEntity
func (rs Requests) AnySkipped() bool { return len(rs.InState(StateSkipEntity)) > 0 }

// Warnings returns the requests in a warning state
func (rs Requests) Warnings() Requests {
	return rs.Where(func(r *ReportRequest) bool { return r.State.Warning() })
}

// Clone deep copies the set so a snapshot never aliases live state
func (rs Requests) Clone() Requests {
	out := make(Requests, len(rs))
	for i, r := range rs {
		c := *r
		if r.Telemetry != nil {
			c.Telemetry = make(map[Phase]PhaseStat, len(r.Telemetry))
			for k, v := range r.Telemetry {
				c.Telemetry[k] = v
			}
		}
		out[i] = &c
	}
	return out
}
