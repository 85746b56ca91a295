// Package service runs the import pipeline for a single queue item: resolve,
// queue, poll, download and stage, with snapshots between phases
package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/metrics"
	"adlake/internal/services/importer/catalog"
	"adlake/internal/services/importer/domain"
	"adlake/internal/services/importer/reports"
)

// Lifecycle is the three phase report tracker
type Lifecycle interface {
	Queue(ctx context.Context, reqs domain.Requests) error
	Poll(ctx context.Context, reqs domain.Requests) error
	Download(ctx context.Context, reqs domain.Requests) error
}

// Config tunes request building
type Config struct {
	// PageSize is the first page size every request starts at
	PageSize int
	// ScopeChunk caps ids per scoped request filter
	ScopeChunk int
}

// Deps are the collaborators of a Pipeline
type Deps struct {
	Catalog   *catalog.Catalog
	Resolver  domain.Resolver
	Lifecycle Lifecycle
	Snapshots domain.SnapshotStore
	Partials  domain.PartialStore
	Parsers   *reports.Registry
	Stager    domain.Stager
	Metrics   *metrics.Metrics
	Clock     backoff.Clock
}

// Pipeline implements domain.Processor
type Pipeline struct {
	Deps
	cfg Config
}

var _ domain.Processor = (*Pipeline)(nil)

// New builds a Pipeline
func New(d Deps, cfg Config) *Pipeline {
	if d.Clock == nil {
		d.Clock = backoff.System
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.ScopeChunk <= 0 {
		cfg.ScopeChunk = 50
	}
	return &Pipeline{Deps: d, cfg: cfg}
}

// Process runs one queue item to completion. A nil error means every report
// group was staged and the snapshot cleared. A *domain.WarningError leaves the
// snapshot in place so the next run picks up where this one stopped
func (p *Pipeline) Process(ctx context.Context, item domain.QueueItem) error {
	ctx = logger.WithQueueItem(logger.WithEntity(ctx, item.EntityID), item.ID)
	log := logger.C(ctx)

	reqs, resumed, err := p.Snapshots.Load(ctx, item.ID)
	if err != nil {
		return err
	}
	if resumed {
		discarded := 0
		for _, r := range reqs {
			// a crash after the last checkpoint can leave pages behind for a
			// request the snapshot still shows as Ready
			reset := r.ResetForResume()
			if reset || (r.State != domain.StateDownloaded && r.State != domain.StateStaged) {
				discarded++
				if err := p.Partials.Delete(r.ID); err != nil {
					return err
				}
			}
		}
		log.Info().Int("requests", len(reqs)).Int("restarted", discarded).Msg("resuming from snapshot")
	} else {
		var res domain.Resolution
		if p.Catalog.NeedsHierarchy() {
			if res, err = p.Resolver.Resolve(ctx, item); err != nil {
				return err
			}
		}
		reqs = p.Build(item, res)
		if err := p.checkpoint(ctx, item, reqs); err != nil {
			return err
		}
	}

	if len(reqs) == 0 {
		log.Info().Msg("no reports to request")
		return p.Snapshots.Clear(ctx, item.ID)
	}

	for _, step := range []struct {
		name string
		run  func(context.Context, domain.Requests) error
	}{
		{"queue", p.Lifecycle.Queue},
		{"poll", p.Lifecycle.Poll},
	} {
		err := step.run(ctx, reqs)
		if err == nil || domain.Classify(err) == domain.OutcomeJobStop {
			if cerr := p.checkpoint(ctx, item, reqs); cerr != nil && err == nil {
				err = cerr
			}
		}
		if err != nil {
			return err
		}
	}

	if err := p.Lifecycle.Download(ctx, reqs); err != nil {
		return err
	}

	if err := p.stageAll(ctx, item, reqs); err != nil {
		return err
	}

	if w := domain.NewWarning(reqs); w != nil {
		if err := p.checkpoint(ctx, item, reqs); err != nil {
			return err
		}
		log.Warn().Err(w).Msg("queue item finished with warnings")
		return w
	}

	if err := p.Snapshots.Clear(ctx, item.ID); err != nil {
		log.Warn().Err(err).Msg("snapshot clear failed")
	}
	for _, r := range reqs {
		_ = p.Partials.Delete(r.ID)
	}
	log.Info().Int("reports", len(reqs)).Msg("queue item staged")
	return nil
}

func (p *Pipeline) checkpoint(ctx context.Context, item domain.QueueItem, reqs domain.Requests) error {
	return p.Snapshots.Save(ctx, item.ID, reqs)
}

// stageAll stages every report group whose requests all downloaded. Groups with
// a warning request wait for the next run so a group is never staged twice
func (p *Pipeline) stageAll(ctx context.Context, item domain.QueueItem, reqs domain.Requests) error {
	var order []string
	groups := map[string]domain.Requests{}
	for _, r := range reqs {
		if _, ok := groups[r.Report]; !ok {
			order = append(order, r.Report)
		}
		groups[r.Report] = append(groups[r.Report], r)
	}

	for _, name := range order {
		group := groups[name]
		if len(group.InState(domain.StateDownloaded)) != len(group) {
			continue
		}
		if err := p.stageGroup(ctx, item, name, group); err != nil {
			return err
		}
		if err := p.checkpoint(ctx, item, reqs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) stageGroup(ctx context.Context, item domain.QueueItem, name string, group domain.Requests) error {
	start := p.Clock.Now()
	artifact := name
	if def, ok := p.Catalog.Report(name); ok {
		artifact = def.Destination()
	}

	var (
		rows  []domain.Row
		bytes int
	)
	for _, r := range group {
		pages, err := p.Partials.Pages(r.ID)
		if err != nil {
			return err
		}
		for _, pg := range pages {
			bytes += len(pg)
		}
		parsed, err := p.Parsers.ParsePages(r.Parser, pages)
		if err != nil {
			return perr.Wrapf(err, perr.CodeOf(err), "stage %s", r.ID)
		}
		rows = append(rows, parsed...)
	}

	if err := p.Stager.Stage(ctx, rows, item, artifact); err != nil {
		return err
	}

	elapsed := p.Clock.Now().Sub(start)
	for _, r := range group {
		if err := r.Transition(domain.StateStaged); err != nil {
			return err
		}
		r.Record(domain.PhaseStage, elapsed/time.Duration(len(group)), 0)
	}
	p.Metrics.ObservePhase(string(domain.PhaseStage), elapsed)
	p.Metrics.AddBytes(name, string(domain.PhaseStage), bytes)

	logger.C(ctx).Debug().
		Str("report", name).
		Str("artifact", artifact).
		Int("rows", len(rows)).
		Int("bytes", bytes).
		Dur("elapsed", elapsed).
		Msg("report group staged")
	return nil
}

// Build materializes one request per active report, fanning scoped reports out
// over the resolved ids in chunks
func (p *Pipeline) Build(item domain.QueueItem, res domain.Resolution) domain.Requests {
	rng := item.Range()
	timeRange := `{"since":"` + rng.Since.Format("2006-01-02") + `","until":"` + rng.Until.Format("2006-01-02") + `"}`

	var reqs domain.Requests
	for _, def := range p.Catalog.Active() {
		base := catalog.Expand(def.Endpoint, map[string]string{"entity": item.EntityID})
		base = domain.WithParam(base, "fields", strings.Join(def.Fields, ","))
		if def.Kind == domain.KindInsights {
			base = domain.WithParam(base, "time_range", timeRange)
			base = domain.WithParam(base, "time_increment", "1")
			if def.Level != "" {
				base = domain.WithParam(base, "level", def.Level)
			}
			if len(def.Breakdowns) > 0 {
				base = domain.WithParam(base, "breakdowns", strings.Join(def.Breakdowns, ","))
			}
		}

		newReq := func(id, scope, endpoint string) *domain.ReportRequest {
			return &domain.ReportRequest{
				ID:       id,
				Report:   def.Name,
				Kind:     def.Kind,
				Parser:   def.Parser,
				EntityID: item.EntityID,
				ScopeID:  scope,
				Endpoint: endpoint,
				URL:      endpoint,
				PageSize: p.cfg.PageSize,
				State:    domain.StateCreated,
			}
		}

		if def.ScopeLevel == "" {
			reqs = append(reqs, newReq(item.ID+":"+def.Name, "", base))
			continue
		}
		for i, ids := range chunk(res.Leaf(def.ScopeLevel), p.cfg.ScopeChunk) {
			scope := strconv.Itoa(i)
			reqs = append(reqs, newReq(item.ID+":"+def.Name+":"+scope, scope,
				domain.WithParam(base, "filtering", filter(def.ScopeLevel, ids))))
		}
	}
	return reqs
}

type filterClause struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Value    []string `json:"value"`
}

func filter(level string, ids []string) string {
	b, _ := json.Marshal([]filterClause{{Field: level + ".id", Operator: "IN", Value: ids}})
	return string(b)
}

func chunk(ids []string, n int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		k := min(n, len(ids))
		out = append(out, ids[:k])
		ids = ids[k:]
	}
	return out
}
