// Package domain holds the types and ports shared by the import pipeline
package domain

import (
	"time"

	"adlake/internal/adapters/reportapi"
)

// Operation re-exports the wire level sub request
type Operation = reportapi.Operation

// Response re-exports the wire level sub response
type Response = reportapi.Response

// Phase tags a batch call with the lifecycle step it serves
type Phase string

const (
	PhaseQueue             Phase = "queue"
	PhaseCheckStatus       Phase = "check_status"
	PhaseDownloadInsights  Phase = "download_insights"
	PhaseDownloadDimension Phase = "download_dimension"
	PhaseSummaryCheck      Phase = "summary_check"
	PhaseStage             Phase = "stage"
)

// ReportKind distinguishes async insights reports from plain dimension listings
type ReportKind string

const (
	KindInsights  ReportKind = "insights"
	KindDimension ReportKind = "dimension"
)

// QueueStatus is the durable status of a queue item
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueRunning  QueueStatus = "running"
	QueueComplete QueueStatus = "complete"
	QueueError    QueueStatus = "error"
)

// DateRange is an inclusive day range
type DateRange struct {
	Since time.Time
	Until time.Time
}

// Days returns the number of days covered, at least 1
func (r DateRange) Days() int {
	d := int(r.Until.Sub(r.Since).Hours()/24) + 1
	return max(d, 1)
}

// QueueItem is one (entity, date) unit of import work
type QueueItem struct {
	ID       string
	EntityID string
	FileDate time.Time
	Backfill bool
	Priority int
	Artifact string
	Status   QueueStatus
	Attempts int

	// Window is the date range requested for this item. Set by the orchestrator;
	// empty means FileDate alone
	Window DateRange
}

// Range returns the effective request window
func (q QueueItem) Range() DateRange {
	if q.Window.Since.IsZero() || q.Window.Until.IsZero() {
		d := q.FileDate.UTC().Truncate(24 * time.Hour)
		return DateRange{Since: d, Until: d}
	}
	return q.Window
}

// Row is one staged record
type Row map[string]any

// Resolution is the output of the dimension resolver
type Resolution struct {
	// Levels maps a hierarchy level name to the ids kept at that level
	Levels map[string][]string

	// Unchecked lists ids whose delivery status never resolved and were kept anyway
	Unchecked []string
}

// Leaf returns the ids at level, or nil
func (r Resolution) Leaf(level string) []string {
	if r.Levels == nil {
		return nil
	}
	return r.Levels[level]
}

// VaultEntry is the cached set of confirmed delivery bearing ids per level for one entity
type VaultEntry struct {
	EntityID  string              `json:"entity_id"`
	Levels    map[string][]string `json:"levels"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Has reports whether id is confirmed at level
func (v VaultEntry) Has(level, id string) bool {
	for _, x := range v.Levels[level] {
		if x == id {
			return true
		}
	}
	return false
}

// RunStatus is the final status of one import job run
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunWarning RunStatus = "warning"
	RunFailed  RunStatus = "failed"
)

// Summary is the job run summary surfaced to operators
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Completed  int       `json:"completed"`
	Subsumed   int       `json:"subsumed"`
	Errors     int       `json:"errors"`
	Warnings   int       `json:"warnings"`
	Pending    int       `json:"pending"`
	RuntimeHit bool      `json:"runtime_hit"`
	Status     RunStatus `json:"status"`
	ErrText    string    `json:"error,omitempty"`
}

// Finalize derives Status from the counters
func (s *Summary) Finalize() {
	switch {
	case s.Errors > 0:
		s.Status = RunFailed
	case s.Warnings > 0:
		s.Status = RunWarning
	default:
		s.Status = RunSuccess
	}
}
