// Package module provides the importer module implementation
package module

import (
	"context"
	"net/http"

	"adlake/internal/adapters/reportapi"
	"adlake/internal/core/backoff"
	"adlake/internal/modkit"
	"adlake/internal/modkit/repokit"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/metrics"
	phttp "adlake/internal/platform/net/http"
	"adlake/internal/platform/objectstore"
	"adlake/internal/services/importer/batch"
	"adlake/internal/services/importer/catalog"
	"adlake/internal/services/importer/coord"
	"adlake/internal/services/importer/dimension"
	"adlake/internal/services/importer/domain"
	"adlake/internal/services/importer/lifecycle"
	"adlake/internal/services/importer/orchestrator"
	"adlake/internal/services/importer/partial"
	"adlake/internal/services/importer/reports"
	"adlake/internal/services/importer/repo"
	"adlake/internal/services/importer/service"
	"adlake/internal/services/importer/snapshot"
	"adlake/internal/services/importer/staging"
)

// Ports defines the importer module ports
type Ports struct {
	Runner domain.RunnerPort
}

// Module implements the importer module
type Module struct {
	deps    modkit.Deps
	opts    Options
	catalog *catalog.Catalog
	objects objectstore.Store
	runner  *Runner
	ports   Ports
}

// New constructs the importer module.
// It loads the catalog, opens the object store and wires every adapter using
// config from deps.Cfg. The caller owns Close
func New(ctx context.Context, deps modkit.Deps) (*Module, error) {
	cat, err := catalog.Load(CatalogPath(deps.Cfg))
	if err != nil {
		return nil, err
	}
	opts := FromConfig(deps.Cfg, cat.Lookups)
	if err := opts.Validate(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeValidation, "importer: invalid options")
	}

	objects, err := objectstore.Open(ctx, objectstore.FromConfig(deps.Cfg, opts.SnapshotBackend))
	if err != nil {
		return nil, err
	}
	m, err := wire(deps, opts, cat, objects)
	if err != nil {
		_ = objects.Close()
		return nil, err
	}
	return m, nil
}

// wire builds the module over an already open object store
func wire(deps modkit.Deps, opts Options, cat *catalog.Catalog, objects objectstore.Store) (*Module, error) {
	if deps.PG == nil {
		return nil, perr.InvalidArgf("importer: postgres is required for the queue")
	}
	parts, err := partial.New(opts.PartialDir)
	if err != nil {
		return nil, err
	}
	stager, err := newStager(deps, opts, objects)
	if err != nil {
		return nil, err
	}

	apiOpts := reportapi.FromConfig(deps.Cfg)
	if len(opts.ThrottleCodes) > 0 {
		apiOpts.ThrottleCodes = opts.ThrottleCodes
	}
	client := reportapi.NewClient(apiOpts)

	exec := batch.New(client, batch.Config{
		Size:             opts.BatchSize,
		UtilizationLimit: opts.UtilizationLimit,
		ThrottleCodes:    apiOpts.ThrottleCodes,
		Suspend:          opts.Suspend(),
		Reduce:           opts.Reduce(),
	}, deps.Metrics)

	r := &Runner{
		queue: repo.NewQueue(repokit.WithBeginHooks(deps.PG, repokit.StatementTimeout(opts.DBTimeout))),
		opts:  opts,
		clock: backoff.System,
		factory: &jobFactory{
			opts:      opts,
			catalog:   cat,
			exec:      exec,
			coord:     coord.New(),
			snapshots: snapshot.NewStore(objects),
			vault:     snapshot.NewVault(objects),
			partials:  parts,
			parsers:   reports.Builtin(),
			stager:    stager,
			metrics:   deps.Metrics,
		},
	}

	logger.Named("importer").Info().
		Int("reports", len(cat.Active())).
		Int("workers", opts.Workers).
		Dur("max_runtime", opts.MaxRuntime).
		Str("stager", opts.Stager).
		Str("snapshots", opts.SnapshotBackend).
		Msg("importer wired")

	return &Module{
		deps:    deps,
		opts:    opts,
		catalog: cat,
		objects: objects,
		runner:  r,
		ports:   Ports{Runner: r},
	}, nil
}

func newStager(deps modkit.Deps, opts Options, objects objectstore.Store) (domain.Stager, error) {
	switch opts.Stager {
	case StagerParquet:
		return staging.NewParquet(objects, opts.ParquetPrefix), nil
	default:
		if deps.CH == nil {
			return nil, perr.InvalidArgf("importer: clickhouse stager selected but clickhouse is not enabled")
		}
		return staging.NewClickHouse(deps.CH, opts.StageChunk), nil
	}
}

// Name returns the module name
func (m *Module) Name() string { return "importer" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// Options returns the effective options
func (m *Module) Options() Options { return m.opts }

// Runner returns the concrete runner
func (m *Module) Runner() *Runner { return m.runner }

type queueCounter interface {
	Counts(ctx context.Context) ([]repo.StatusCount, error)
}

// planRequest seeds queue items over the ops listener
type planRequest struct {
	Entities []string `json:"entities" validate:"required,min=1,dive,required"`
	Start    string   `json:"start" validate:"required"`
	End      string   `json:"end"`
	Backfill bool     `json:"backfill"`
}

// MountRoutes mounts job status and planning under /importer
func (m *Module) MountRoutes(r phttp.Router) {
	r.Route("/importer", func(r phttp.Router) {
		phttp.PostJSON(r, "/plan", func(req *http.Request, in planRequest) (any, error) {
			start, end, err := ParseRange(in.Start, in.End)
			if err != nil {
				return nil, err
			}
			n, err := m.runner.Plan(req.Context(), in.Entities, start, end, in.Backfill)
			if err != nil {
				return nil, err
			}
			return map[string]int{"seeded": n}, nil
		})
		phttp.GetJSON(r, "/runs/last", func(_ *http.Request) (any, error) {
			s, ok := m.runner.Last()
			if !ok {
				return nil, perr.New(perr.ErrorCodeNotFound, "no run finished yet")
			}
			return s, nil
		})
		phttp.GetJSON(r, "/queue", func(req *http.Request) (any, error) {
			c, ok := m.runner.queue.(queueCounter)
			if !ok {
				return nil, perr.New(perr.ErrorCodeUnavailable, "queue counts unavailable")
			}
			return c.Counts(req.Context())
		})
		phttp.GetJSON(r, "/claims", func(_ *http.Request) (any, error) {
			return map[string]any{"entities": m.runner.factory.coord.Claimed()}, nil
		})
	})
}

// Close releases the object store
func (m *Module) Close() error {
	if m.objects == nil {
		return nil
	}
	return m.objects.Close()
}

// jobFactory holds the collaborators that outlive a run and builds the ones
// bound to a run's runtime budget
type jobFactory struct {
	opts      Options
	catalog   *catalog.Catalog
	exec      *batch.Executor
	coord     *coord.Coordinator
	snapshots domain.SnapshotStore
	vault     domain.IDVault
	partials  domain.PartialStore
	parsers   *reports.Registry
	stager    domain.Stager
	metrics   *metrics.Metrics
}

// build returns a Processor for one run sharing budget and clock
func (f *jobFactory) build(budget *backoff.Budget, clock backoff.Clock) domain.Processor {
	o := f.opts
	retry := backoff.Strategy{
		MaxRetry:  o.BatchMaxRetry,
		Seed:      o.RetrySeed,
		Factor:    o.RetryFactor,
		JitterMin: o.JitterMin,
		JitterMax: o.JitterMax,
		Cap:       o.PollCap,
	}
	poll := retry
	poll.MaxRetry = o.MaxStatusAttempts

	track := lifecycle.New(f.exec, f.partials, lifecycle.Config{
		PageSizes:           o.PageSizes,
		MaxQueueAttempts:    o.MaxQueueAttempts,
		MaxStatusAttempts:   o.MaxStatusAttempts,
		MaxDownloadAttempts: o.MaxDownloadAttempts,
		Retry:               retry,
		Poll:                poll,
	}, budget, clock, f.metrics)

	res := dimension.New(f.exec, f.vault, f.coord, dimension.Config{
		Levels:    f.catalog.Hierarchy,
		PageSizes: o.PageSizes,
		Attempts:  o.BatchMaxRetry + 1,
		Retry:     retry,
	}, budget, clock)

	return service.New(service.Deps{
		Catalog:   f.catalog,
		Resolver:  res,
		Lifecycle: track,
		Snapshots: f.snapshots,
		Partials:  f.partials,
		Parsers:   f.parsers,
		Stager:    f.stager,
		Metrics:   f.metrics,
		Clock:     clock,
	}, service.Config{PageSize: track.InitialPageSize(), ScopeChunk: o.ScopeChunk})
}

// orchestrator returns the orchestrator for one run
func (f *jobFactory) orchestrator(q domain.QueueRepo, p domain.Processor, budget *backoff.Budget, clock backoff.Clock) *orchestrator.Orchestrator {
	return orchestrator.New(q, p, f.coord, orchestrator.Config{
		Workers:      f.opts.Workers,
		LookbackDays: f.opts.LookbackDays,
		Timeouts:     orchestrator.Timeouts{Item: f.opts.ItemTimeout, DB: f.opts.DBTimeout},
	}, budget, clock, f.metrics)
}
