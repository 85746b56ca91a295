// Package lifecycle drives report requests through queueing, status polling and
// paginated download, with page size degradation and entity level skip signals
package lifecycle

import (
	"context"
	"encoding/json"
	stderrs "errors"
	"net/http"
	"strconv"

	"adlake/internal/adapters/reportapi"
	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/metrics"
	"adlake/internal/services/importer/batch"
	"adlake/internal/services/importer/domain"
)

// Config holds retry ceilings and the page size ladder
type Config struct {
	// PageSizes is ordered descending, e.g. 1000, 500, 250, 100
	PageSizes []int

	MaxQueueAttempts    int
	MaxStatusAttempts   int
	MaxDownloadAttempts int

	// Retry drives queue and download rounds, Poll drives status checks
	Retry backoff.Strategy
	Poll  backoff.Strategy
}

// Tracker runs the lifecycle phases for one queue item's requests.
// It is stateless between calls and safe to share across entity workers
type Tracker struct {
	exec    *batch.Executor
	parts   domain.PartialStore
	cfg     Config
	budget  *backoff.Budget
	clock   backoff.Clock
	metrics *metrics.Metrics
}

// New builds a Tracker
func New(exec *batch.Executor, parts domain.PartialStore, cfg Config, budget *backoff.Budget, clock backoff.Clock, m *metrics.Metrics) *Tracker {
	if clock == nil {
		clock = backoff.System
	}
	if len(cfg.PageSizes) == 0 {
		cfg.PageSizes = []int{1000, 500, 250, 100}
	}
	if cfg.MaxQueueAttempts <= 0 {
		cfg.MaxQueueAttempts = 5
	}
	if cfg.MaxStatusAttempts <= 0 {
		cfg.MaxStatusAttempts = 60
	}
	if cfg.MaxDownloadAttempts <= 0 {
		cfg.MaxDownloadAttempts = 5
	}
	return &Tracker{exec: exec, parts: parts, cfg: cfg, budget: budget, clock: clock, metrics: m}
}

// InitialPageSize is the first rung of the ladder
func (t *Tracker) InitialPageSize() int { return t.cfg.PageSizes[0] }

// NextPageSize returns the next candidate strictly below current
func (t *Tracker) NextPageSize(current int) (int, bool) {
	return domain.NextPageSize(t.cfg.PageSizes, current)
}

var errNotReady = perr.New(perr.ErrorCodeUnavailable, "reports still running")

func (t *Tracker) policy(name string, s backoff.Strategy, attempts int) *backoff.Policy {
	if attempts > 0 {
		s.MaxRetry = attempts - 1
	}
	return &backoff.Policy{Strategy: s, Budget: t.budget, Clock: t.clock, Name: name}
}

// Queue submits every insights request still Created and readies dimension
// requests, which need no async job. It returns nil once every insights request
// has a run id, ErrSkipEntity when any request was skipped, ErrRetryCeiling
// when attempts ran out, or ErrRuntimeExceeded
func (t *Tracker) Queue(ctx context.Context, reqs domain.Requests) error {
	start := t.clock.Now()
	defer func() { t.metrics.ObservePhase(string(domain.PhaseQueue), t.clock.Now().Sub(start)) }()

	for _, r := range reqs.Where(isCreatedDimension) {
		if err := r.Transition(domain.StateReady); err != nil {
			return err
		}
		r.URL = domain.FirstPageURL(r)
	}

	p := t.policy("queue", t.cfg.Retry, t.cfg.MaxQueueAttempts)
	err := p.Execute(ctx, func(ctx context.Context) error {
		pending := reqs.Where(isCreatedInsights)
		if len(pending) == 0 {
			return nil
		}
		return t.exec.Run(ctx, domain.PhaseQueue, http.MethodPost, pending, onQueued)
	})

	if reqs.AnySkipped() {
		return skipError(reqs)
	}
	if err != nil {
		return t.fatal(ctx, "queue", err)
	}
	logger.C(ctx).Debug().Int("reports", len(reqs)).Dur("elapsed", t.clock.Now().Sub(start)).Msg("queue phase done")
	return nil
}

func onQueued(r *domain.ReportRequest, resp domain.Response) error {
	var run reportapi.ReportRun
	if err := json.Unmarshal(resp.Body, &run); err != nil || run.ReportRunID == "" {
		return perr.Unavailablef("report %s: queue response without run id", r.ID)
	}
	return r.AssignRunID(run.ReportRunID)
}

// Poll checks status for queued requests until all are Ready. Requests still
// running when attempts run out become StatusCheckFailed, a warning
func (t *Tracker) Poll(ctx context.Context, reqs domain.Requests) error {
	start := t.clock.Now()
	defer func() { t.metrics.ObservePhase(string(domain.PhaseCheckStatus), t.clock.Now().Sub(start)) }()

	p := t.policy("poll", t.cfg.Poll, t.cfg.MaxStatusAttempts)
	err := p.Execute(ctx, func(ctx context.Context) error {
		if err := t.degrade(ctx, reqs); err != nil {
			return err
		}
		if reqs.AnySkipped() {
			return nil
		}
		pending := reqs.InState(domain.StateQueued, domain.StatePolling)
		if len(pending) == 0 {
			return nil
		}
		if err := t.exec.Run(ctx, domain.PhaseCheckStatus, http.MethodGet, pending, onStatus); err != nil {
			return err
		}
		if len(reqs.InState(domain.StateQueued, domain.StatePolling, domain.StateRetryPageSize)) > 0 {
			return errNotReady
		}
		return nil
	})

	if reqs.AnySkipped() {
		return skipError(reqs)
	}
	switch {
	case err == nil:
	case stderrs.Is(err, errNotReady):
		for _, r := range reqs.InState(domain.StateQueued, domain.StatePolling) {
			_ = r.Transition(domain.StateStatusCheckFailed)
			r.Reason = "status check attempts exhausted"
		}
		logger.C(ctx).Warn().Int("attempts", t.cfg.MaxStatusAttempts).Msg("reports still running after status attempts")
	default:
		return t.fatal(ctx, "poll", err)
	}
	return nil
}

func onStatus(r *domain.ReportRequest, resp domain.Response) error {
	var st reportapi.JobStatus
	if err := json.Unmarshal(resp.Body, &st); err != nil {
		r.Reason = "malformed status body"
		return r.Transition(domain.StateStatusCheckFailed)
	}
	switch st.AsyncStatus {
	case reportapi.StatusCompleted:
		if err := r.Transition(domain.StateReady); err != nil {
			return err
		}
		r.URL = domain.FirstPageURL(r)
		return nil
	case reportapi.StatusRunning, reportapi.StatusStarted, reportapi.StatusNotStarted:
		return r.Transition(domain.StatePolling)
	default:
		r.Reason = "unexpected status " + st.AsyncStatus
		return r.Transition(domain.StateStatusCheckFailed)
	}
}

// Download pages every Ready request into the partial store until each is
// Downloaded. Reduce signals step the page size down the ladder before the next
// round; a request already at the smallest size skips the entity
func (t *Tracker) Download(ctx context.Context, reqs domain.Requests) error {
	start := t.clock.Now()
	defer func() { t.metrics.ObservePhase("download", t.clock.Now().Sub(start)) }()

	p := t.policy("download", t.cfg.Retry, t.cfg.MaxDownloadAttempts)
	for {
		if t.budget.Exceeded() {
			return domain.ErrRuntimeExceeded
		}
		if err := t.degrade(ctx, reqs); err != nil {
			return err
		}
		if reqs.AnySkipped() {
			return skipError(reqs)
		}
		if len(reqs.Where(downloadable)) == 0 {
			break
		}

		err := p.Execute(ctx, func(ctx context.Context) error {
			for _, k := range []struct {
				phase domain.Phase
				kind  domain.ReportKind
			}{
				{domain.PhaseDownloadInsights, domain.KindInsights},
				{domain.PhaseDownloadDimension, domain.KindDimension},
			} {
				pending := reqs.Where(func(r *domain.ReportRequest) bool { return r.Kind == k.kind && downloadable(r) })
				if len(pending) == 0 {
					continue
				}
				if err := t.exec.Run(ctx, k.phase, http.MethodGet, pending, t.onPage); err != nil {
					return err
				}
				if reqs.AnySkipped() || len(reqs.InState(domain.StateRetryPageSize)) > 0 {
					return nil
				}
			}
			return nil
		})
		if reqs.AnySkipped() {
			return skipError(reqs)
		}
		if err != nil {
			return t.fatal(ctx, "download", err)
		}
	}

	var bytes int64
	for _, r := range reqs {
		bytes += r.Telemetry[domain.PhaseDownloadInsights].Bytes + r.Telemetry[domain.PhaseDownloadDimension].Bytes
	}
	logger.C(ctx).Debug().
		Int("downloaded", len(reqs.InState(domain.StateDownloaded))).
		Int("failed", len(reqs.InState(domain.StateDownloadFailed))).
		Int64("bytes", bytes).
		Dur("elapsed", t.clock.Now().Sub(start)).
		Msg("download phase done")
	return nil
}

func (t *Tracker) onPage(r *domain.ReportRequest, resp domain.Response) error {
	var pg reportapi.Page
	if err := json.Unmarshal(resp.Body, &pg); err != nil {
		return t.recoverLocal(r, "malformed page: "+err.Error())
	}
	if _, err := t.parts.Append(r.ID, resp.Body); err != nil {
		return t.recoverLocal(r, "partial write: "+err.Error())
	}
	r.Page++

	if pg.HasNext() {
		if r.State == domain.StateReady {
			if err := r.Transition(domain.StateDownloading); err != nil {
				return err
			}
		}
		r.URL = domain.NextPageURL(r.URL, pg.Paging.Cursors.After)
		return nil
	}
	return r.Transition(domain.StateDownloaded)
}

// recoverLocal discards the partial artifact and restarts the request from
// page one. Reaching the download ceiling leaves the request DownloadFailed so
// the item is requeued; RetryAttempt survives resumes, so a request that fails
// again after that has exceeded the ceiling and fails the entity
func (t *Tracker) recoverLocal(r *domain.ReportRequest, reason string) error {
	if err := t.parts.Delete(r.ID); err != nil {
		return err
	}
	if r.State == domain.StateDownloading {
		if err := r.Transition(domain.StateReady); err != nil {
			return err
		}
	}
	r.Rewind()
	r.RetryAttempt++
	r.Reason = reason
	if r.RetryAttempt > t.cfg.MaxDownloadAttempts {
		return perr.Wrapf(domain.ErrRetryCeiling, perr.ErrorCodeRetryCeiling,
			"download %s: %d attempts, last: %s", r.ID, r.RetryAttempt, reason)
	}
	if r.RetryAttempt == t.cfg.MaxDownloadAttempts {
		return r.Transition(domain.StateDownloadFailed)
	}
	logger.Named("lifecycle").Warn().Str("report", r.ID).Int("attempt", r.RetryAttempt).Str("reason", reason).Msg("restarting download")
	return nil
}

// degrade moves every RetryPageSize request to the next smaller page size,
// or skips it when the ladder is exhausted
func (t *Tracker) degrade(ctx context.Context, reqs domain.Requests) error {
	for _, r := range reqs.InState(domain.StateRetryPageSize) {
		next, ok := t.NextPageSize(r.PageSize)
		if !ok {
			r.Skip("page size exhausted at " + strconv.Itoa(r.PageSize))
			logger.C(ctx).Error().Str("report", r.ID).Int("page_size", r.PageSize).Msg("no smaller page size, skipping entity")
			continue
		}
		if err := t.parts.Delete(r.ID); err != nil {
			return err
		}
		prev := r.PageSize
		r.PageSize = next
		if err := r.Transition(r.Resume); err != nil {
			return err
		}
		r.Rewind()
		t.metrics.IncDegradation(r.Report)
		logger.C(ctx).Warn().Str("report", r.ID).Int("from", prev).Int("to", next).Msg("page size reduced")
	}
	return nil
}

// fatal maps a failed retry loop onto the pipeline sentinels
func (t *Tracker) fatal(ctx context.Context, phase string, err error) error {
	out := domain.RetryFailure(phase, err)
	if stderrs.Is(out, domain.ErrRetryCeiling) {
		logger.C(ctx).Error().Err(err).Str("phase", phase).Msg("retry ceiling exceeded")
	}
	return out
}

func skipError(reqs domain.Requests) error {
	r := reqs.InState(domain.StateSkipEntity)[0]
	return perr.Wrapf(domain.ErrSkipEntity, perr.ErrorCodeEntitySkipped, "report %s: %s", r.ID, r.Reason)
}

func isCreatedInsights(r *domain.ReportRequest) bool {
	return r.Kind == domain.KindInsights && r.State == domain.StateCreated
}

func isCreatedDimension(r *domain.ReportRequest) bool {
	return r.Kind == domain.KindDimension && r.State == domain.StateCreated
}

func downloadable(r *domain.ReportRequest) bool {
	return r.State == domain.StateReady || r.State == domain.StateDownloading
}
