// Package dimension narrows the hierarchy (campaign, adset, ad) down to the
// ids that delivered in a queue item's date range, so scoped insights reports
// only ask for ids with data
package dimension

import (
	"context"
	"encoding/json"
	stderrs "errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"adlake/internal/adapters/reportapi"
	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/services/importer/batch"
	"adlake/internal/services/importer/catalog"
	"adlake/internal/services/importer/coord"
	"adlake/internal/services/importer/domain"
)

// Config is the hierarchy to walk plus retry settings
type Config struct {
	Levels []catalog.Level
	// PageSizes is the descending ladder listings step down on reduce signals
	PageSizes []int
	Attempts  int
	Retry     backoff.Strategy
}

// Resolver implements domain.Resolver
type Resolver struct {
	exec   *batch.Executor
	vault  domain.IDVault
	coord  *coord.Coordinator
	cfg    Config
	budget *backoff.Budget
	clock  backoff.Clock
}

// New builds a Resolver
func New(exec *batch.Executor, vault domain.IDVault, co *coord.Coordinator, cfg Config, budget *backoff.Budget, clock backoff.Clock) *Resolver {
	if len(cfg.PageSizes) == 0 {
		cfg.PageSizes = []int{500, 250, 100, 50, 25}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if clock == nil {
		clock = backoff.System
	}
	return &Resolver{exec: exec, vault: vault, coord: co, cfg: cfg, budget: budget, clock: clock}
}

// Resolve walks every level. Ids already confirmed in the vault skip the summary
// check; ids whose check never completes are kept and listed in Unchecked
func (r *Resolver) Resolve(ctx context.Context, item domain.QueueItem) (domain.Resolution, error) {
	log := logger.C(ctx)
	res := domain.Resolution{Levels: map[string][]string{}}
	if len(r.cfg.Levels) == 0 {
		return res, nil
	}

	entry, err := r.coord.LoadVault(ctx, r.vault, item.EntityID)
	if err != nil {
		return res, err
	}

	confirmed := map[string][]string{}
	var parents []string
	for i, lvl := range r.cfg.Levels {
		targets := map[string]string{}
		if i == 0 {
			targets[item.EntityID] = catalog.Expand(lvl.ListPath, map[string]string{"entity": item.EntityID})
		} else {
			for _, p := range parents {
				targets[p] = catalog.Expand(lvl.ChildPath, map[string]string{"entity": item.EntityID, "id": p})
			}
		}
		if len(targets) == 0 {
			res.Levels[lvl.Name] = nil
			continue
		}

		ids, err := r.list(ctx, lvl.Name, targets)
		if err != nil {
			return res, err
		}
		kept, unchecked, conf, err := r.summarize(ctx, lvl, ids, item.Range(), entry)
		if err != nil {
			return res, err
		}
		res.Levels[lvl.Name] = kept
		res.Unchecked = append(res.Unchecked, unchecked...)
		confirmed[lvl.Name] = conf
		parents = kept

		log.Debug().Str("level", lvl.Name).Int("listed", len(ids)).Int("kept", len(kept)).Int("unchecked", len(unchecked)).Msg("hierarchy level resolved")
	}

	if err := r.coord.MergeVault(ctx, r.vault, item.EntityID, confirmed); err != nil {
		log.Warn().Err(err).Msg("id vault save failed")
	}
	return res, nil
}

type idRow struct {
	ID string `json:"id"`
}

// list pages through every target and returns the distinct ids, sorted
func (r *Resolver) list(ctx context.Context, level string, targets map[string]string) ([]string, error) {
	seen := map[string]struct{}{}
	reqs := make(domain.Requests, 0, len(targets))
	for parent, path := range targets {
		reqs = append(reqs, &domain.ReportRequest{
			ID:       "list:" + level + ":" + parent,
			Report:   "list_" + level,
			Kind:     domain.KindDimension,
			PageSize: r.cfg.PageSizes[0],
			State:    domain.StateReady,
			URL:      domain.WithPageSize(path, r.cfg.PageSizes[0]),
		})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })

	handle := func(rq *domain.ReportRequest, resp domain.Response) error {
		var pg reportapi.Page
		if err := json.Unmarshal(resp.Body, &pg); err != nil {
			return perr.Unavailablef("list %s: malformed page", rq.ID)
		}
		for _, raw := range pg.Data {
			var row idRow
			if json.Unmarshal(raw, &row) == nil && row.ID != "" {
				seen[row.ID] = struct{}{}
			}
		}
		if pg.HasNext() {
			if rq.State == domain.StateReady {
				if err := rq.Transition(domain.StateDownloading); err != nil {
					return err
				}
			}
			rq.URL = domain.NextPageURL(rq.URL, pg.Paging.Cursors.After)
			return nil
		}
		return rq.Transition(domain.StateDownloaded)
	}

	p := &backoff.Policy{Strategy: r.strategy(), Budget: r.budget, Clock: r.clock, Name: "list_" + level}
	for {
		for _, rq := range reqs.InState(domain.StateRetryPageSize) {
			next, ok := domain.NextPageSize(r.cfg.PageSizes, rq.PageSize)
			if !ok {
				rq.Skip("page size exhausted at " + strconv.Itoa(rq.PageSize))
				logger.C(ctx).Error().Str("report", rq.ID).Int("page_size", rq.PageSize).Msg("no smaller page size, skipping entity")
				return nil, skipError(reqs)
			}
			// listing keeps collected ids, so a restart at a smaller size only costs calls
			rq.PageSize = next
			rq.URL = domain.WithPageSize(rq.URL, rq.PageSize)
			if err := rq.Transition(rq.Resume); err != nil {
				return nil, err
			}
		}
		pending := reqs.InState(domain.StateReady, domain.StateDownloading)
		if len(pending) == 0 {
			break
		}
		err := p.Execute(ctx, func(ctx context.Context) error {
			return r.exec.Run(ctx, domain.PhaseDownloadDimension, http.MethodGet,
				reqs.InState(domain.StateReady, domain.StateDownloading), handle)
		})
		if reqs.AnySkipped() {
			return nil, skipError(reqs)
		}
		if err != nil {
			return nil, domain.RetryFailure("list "+level, err)
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// summarize keeps ids with delivery in rng. It returns the kept ids, the subset
// kept without a completed check, and the ids newly confirmed to have data
func (r *Resolver) summarize(
	ctx context.Context,
	lvl catalog.Level,
	ids []string,
	rng domain.DateRange,
	entry domain.VaultEntry,
) (kept, unchecked, confirmed []string, err error) {
	if lvl.SummaryPath == "" {
		return ids, nil, nil, nil
	}

	timeRange := url.QueryEscape(`{"since":"` + rng.Since.Format("2006-01-02") + `","until":"` + rng.Until.Format("2006-01-02") + `"}`)
	var reqs domain.Requests
	for _, id := range ids {
		if entry.Has(lvl.Name, id) {
			kept = append(kept, id)
			continue
		}
		reqs = append(reqs, &domain.ReportRequest{
			ID:       id,
			Report:   "summary_" + lvl.Name,
			Kind:     domain.KindDimension,
			State:    domain.StateReady,
			URL:      catalog.Expand(lvl.SummaryPath, map[string]string{"id": id, "range": timeRange, "entity": entry.EntityID}),
			PageSize: 1,
		})
	}
	if len(reqs) == 0 {
		return kept, nil, nil, nil
	}

	has := map[string]bool{}
	handle := func(rq *domain.ReportRequest, resp domain.Response) error {
		var pg reportapi.Page
		if err := json.Unmarshal(resp.Body, &pg); err != nil {
			return perr.Unavailablef("summary %s: malformed body", rq.ID)
		}
		has[rq.ID] = len(pg.Data) > 0
		return rq.Transition(domain.StateDownloaded)
	}

	p := &backoff.Policy{Strategy: r.strategy(), Budget: r.budget, Clock: r.clock, Name: "summary_" + lvl.Name}
	runErr := p.Execute(ctx, func(ctx context.Context) error {
		pending := reqs.InState(domain.StateReady)
		if len(pending) == 0 {
			return nil
		}
		return r.exec.Run(ctx, domain.PhaseSummaryCheck, http.MethodGet, pending, handle)
	})
	if reqs.AnySkipped() {
		return nil, nil, nil, skipError(reqs)
	}
	if runErr != nil {
		switch out := domain.RetryFailure("summary "+lvl.Name, runErr); {
		case stderrs.Is(out, domain.ErrRuntimeExceeded),
			stderrs.Is(runErr, context.Canceled),
			stderrs.Is(runErr, context.DeadlineExceeded):
			return nil, nil, nil, out
		}
		logger.C(ctx).Warn().Err(runErr).Str("level", lvl.Name).Msg("summary checks incomplete, keeping unchecked ids")
	}

	for _, rq := range reqs {
		switch {
		case rq.State != domain.StateDownloaded:
			kept = append(kept, rq.ID)
			unchecked = append(unchecked, rq.ID)
		case has[rq.ID]:
			kept = append(kept, rq.ID)
			confirmed = append(confirmed, rq.ID)
		}
	}
	sort.Strings(kept)
	return kept, unchecked, confirmed, nil
}

func (r *Resolver) strategy() backoff.Strategy {
	s := r.cfg.Retry
	s.MaxRetry = r.cfg.Attempts - 1
	return s
}

func skipError(reqs domain.Requests) error {
	rq := reqs.InState(domain.StateSkipEntity)[0]
	return perr.Wrapf(domain.ErrSkipEntity, perr.ErrorCodeEntitySkipped, "resolve %s: %s", rq.ID, rq.Reason)
}
