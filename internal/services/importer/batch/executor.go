// Package batch submits report requests to the provider in fixed size batch calls
// and routes every sub response to the phase handler, a signature outcome, or a
// throttle/API error for the outer retry layer
package batch

import (
	"context"
	"net/http"
	"time"

	"adlake/internal/adapters/reportapi"
	"adlake/internal/core/signature"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/metrics"
	"adlake/internal/services/importer/domain"
)

// DefaultSize is the provider's max sub requests per batch call
const DefaultSize = 50

// Handler applies one successful sub response to its request
type Handler func(r *domain.ReportRequest, resp domain.Response) error

// Config tunes batching and response classification
type Config struct {
	Size             int
	UtilizationLimit float64
	ThrottleCodes    []int
	Suspend          *signature.Matcher
	Reduce           *signature.Matcher
}

// Executor runs batch calls for one phase at a time. It holds no per run state
type Executor struct {
	api      domain.BatchAPI
	cfg      Config
	throttle map[int]struct{}
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New builds an Executor. Zero config values take defaults
func New(api domain.BatchAPI, cfg Config, m *metrics.Metrics) *Executor {
	if cfg.Size <= 0 || cfg.Size > DefaultSize {
		cfg.Size = DefaultSize
	}
	if cfg.UtilizationLimit <= 0 {
		cfg.UtilizationLimit = 95
	}
	if cfg.ThrottleCodes == nil {
		cfg.ThrottleCodes = reportapi.DefaultThrottleCodes
	}
	if cfg.Suspend == nil {
		cfg.Suspend = signature.New()
	}
	if cfg.Reduce == nil {
		cfg.Reduce = signature.New()
	}
	th := make(map[int]struct{}, len(cfg.ThrottleCodes))
	for _, c := range cfg.ThrottleCodes {
		th[c] = struct{}{}
	}
	return &Executor{api: api, cfg: cfg, throttle: th, metrics: m, now: time.Now}
}

// Size returns the effective batch size
func (e *Executor) Size() int { return e.cfg.Size }

// Run submits reqs in chunks of Size with method and applies handle to each
// successful sub response.
//
// Run returns nil once every chunk is processed, or early after a suspend or
// reduce signature (the affected requests carry SkipEntity or RetryPageSize).
// A throttle or non 200 sub response returns a *ThrottleError or *APIError whose
// Index is the first request in reqs that was not processed; requests before it
// keep their progress and the caller resubmits only what is still unresolved
func (e *Executor) Run(ctx context.Context, phase domain.Phase, method string, reqs domain.Requests, handle Handler) error {
	log := logger.C(ctx)
	for start := 0; start < len(reqs); start += e.cfg.Size {
		end := min(start+e.cfg.Size, len(reqs))
		chunk := reqs[start:end]

		ops := make([]domain.Operation, len(chunk))
		for i, r := range chunk {
			ops[i] = domain.Operation{Method: method, RelativeURL: Target(phase, r)}
		}

		t0 := e.now()
		resps, err := e.api.Batch(ctx, ops)
		elapsed := e.now().Sub(t0)
		if err != nil {
			log.Warn().Err(err).Str("phase", string(phase)).Int("resume_index", start).Msg("batch call failed")
			return err
		}

		stop, err := e.apply(ctx, phase, reqs, start, resps, elapsed, handle)
		if err != nil || stop {
			return err
		}
	}
	return nil
}

// apply walks one chunk's responses. It reports stop=true after a signature
// outcome and returns an error carrying the resume index otherwise
func (e *Executor) apply(
	ctx context.Context,
	phase domain.Phase,
	reqs domain.Requests,
	start int,
	resps []domain.Response,
	elapsed time.Duration,
	handle Handler,
) (bool, error) {
	log := logger.C(ctx)
	per := elapsed / time.Duration(max(len(resps), 1))

	for i, resp := range resps {
		idx := start + i
		r := reqs[idx]
		e.metrics.IncAPI(string(phase), resp.Code)

		if u := reportapi.ParseUsage(resp.Headers); u.Exceeds(e.cfg.UtilizationLimit) {
			e.metrics.IncThrottle("utilization")
			log.Warn().Str("phase", string(phase)).Int("resume_index", idx).
				Float64("usage_pct", u.MaxPct).Str("usage_source", u.Source).Dur("regain", u.RegainAccess).
				Msg("batch utilization over limit")
			return false, &ThrottleError{Index: idx, Wait: u.RegainAccess, Source: u.Source, Pct: u.MaxPct}
		}

		if sig, ok := e.cfg.Suspend.Match(resp.Body); ok {
			reason := "suspended: " + sig
			for _, p := range reqs {
				if !p.State.Terminal() && inPhase(phase, p) {
					p.Skip(reason)
				}
			}
			log.Error().Str("phase", string(phase)).Str("report", r.ID).Str("signature", sig).Msg("suspending signature, entity skipped")
			return true, nil
		}

		if sig, ok := e.cfg.Reduce.Match(resp.Body); ok {
			if err := r.Transition(domain.StateRetryPageSize); err == nil {
				r.Reason = "reduce page size: " + sig
				log.Warn().Str("phase", string(phase)).Str("report", r.ID).Int("page_size", r.PageSize).Msg("reduce page size signature")
				return true, nil
			}
		}

		if resp.Code != http.StatusOK {
			code := reportapi.ErrorCode(resp.Body)
			if resp.Code == http.StatusTooManyRequests || e.isThrottleCode(code) {
				e.metrics.IncThrottle("status")
				u := reportapi.ParseUsage(resp.Headers)
				return false, &ThrottleError{Index: idx, Wait: u.RegainAccess, Source: "status", Pct: u.MaxPct}
			}
			return false, &APIError{Index: idx, Status: resp.Code, APICode: code, Body: truncate(resp.Body, 256)}
		}

		r.Record(phase, per, len(resp.Body))
		e.metrics.AddBytes(r.Report, string(phase), len(resp.Body))
		if err := handle(r, resp); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (e *Executor) isThrottleCode(code int) bool {
	_, ok := e.throttle[code]
	return ok
}

// Target is the relative URL a request calls in phase
func Target(phase domain.Phase, r *domain.ReportRequest) string {
	switch phase {
	case domain.PhaseQueue:
		return r.Endpoint
	case domain.PhaseCheckStatus:
		return r.RunID + "?fields=id,async_status,async_percent_completion"
	default:
		return r.URL
	}
}

// inPhase reports whether p is still pending work for phase
func inPhase(phase domain.Phase, p *domain.ReportRequest) bool {
	switch phase {
	case domain.PhaseQueue:
		return p.State == domain.StateCreated
	case domain.PhaseCheckStatus:
		return p.State == domain.StateQueued || p.State == domain.StatePolling
	case domain.PhaseDownloadInsights:
		return p.Kind == domain.KindInsights && p.State != domain.StateDownloaded
	case domain.PhaseDownloadDimension:
		return p.Kind == domain.KindDimension && p.State != domain.StateDownloaded
	}
	return true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
