package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"adlake/internal/core/version"
	"adlake/internal/modkit"
	"adlake/internal/modkit/module"
	"adlake/internal/platform/config"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/metrics"
	phttp "adlake/internal/platform/net/http"
	"adlake/internal/platform/net/middleware"
	"adlake/internal/platform/store"
	"adlake/internal/platform/store/migrations"
	"adlake/internal/services/importer/domain"
	importmod "adlake/internal/services/importer/module"
)

// runFailedError marks a run that finished with item errors. The summary has
// already been logged
type runFailedError struct{ sum domain.Summary }

func (e *runFailedError) Error() string {
	return fmt.Sprintf("run %s failed with %d errors", e.sum.RunID, e.sum.Errors)
}

func newRootCmd() *cobra.Command {
	var opsAddr string

	root := &cobra.Command{
		Use:           "adlake-import",
		Short:         "Retrieve ad reports and stage them for the lake",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.Init(logOptions(config.New().Prefix("LOG_")))
		},
	}
	root.PersistentFlags().StringVar(&opsAddr, "ops-addr", "", "serve /healthz and /metrics on this address (overrides CORE_IMPORT_OPS_ADDR)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Drain pending queue items once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opsAddr, func(ctx context.Context, a *app) error {
				return summarize(a.runner.Run(ctx))
			})
		},
	}

	var resumeEntity string
	resume := &cobra.Command{
		Use:   "resume",
		Short: "Requeue failed or stranded items, then drain the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opsAddr, func(ctx context.Context, a *app) error {
				return summarize(a.runner.Resume(ctx, resumeEntity))
			})
		},
	}
	resume.Flags().StringVar(&resumeEntity, "entity", "", "only requeue items of this entity")

	var (
		entities   []string
		start, end string
		backfill   bool
	)
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Seed pending queue items for entities over a date range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, e, err := importmod.ParseRange(start, end)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), "", func(ctx context.Context, a *app) error {
				n, err := a.runner.Plan(ctx, entities, s, e, backfill)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d queue items\n", n)
				return nil
			})
		},
	}
	plan.Flags().StringSliceVar(&entities, "entities", nil, "comma separated entity ids")
	plan.Flags().StringVar(&start, "start", "", "first file date YYYY-MM-DD")
	plan.Flags().StringVar(&end, "end", "", "last file date YYYY-MM-DD inclusive (defaults to start)")
	plan.Flags().BoolVar(&backfill, "backfill", false, "seed backfill items that request their own date only")
	_ = plan.MarkFlagRequired("entities")
	_ = plan.MarkFlagRequired("start")

	migrate := &cobra.Command{
		Use:       "migrate [up|down [n]|version]",
		Short:     "Apply or inspect the queue schema",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, args)
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}

	root.AddCommand(run, resume, plan, migrate, ver)
	return root
}

// logOptions reads LOG_LEVEL, LOG_FORMAT and LOG_CALLER
func logOptions(c config.Conf) logger.Options {
	return logger.Options{
		Level:   c.MayString("LEVEL", "info"),
		Format:  strings.ToLower(c.MayEnum("FORMAT", "json", "json", "console")),
		Service: "adlake-import",
		Caller:  c.MayBool("CALLER", false),
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	url := config.New().Prefix("SERVICE_PGSQL_").MustString("DBURL")
	log := logger.Named("migrate")

	switch args[0] {
	case "up":
		if err := migrations.Up(url); err != nil {
			return err
		}
		log.Info().Msg("migrations applied")
	case "down":
		n := 1
		if len(args) == 2 {
			v, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad step count %q: %w", args[1], err)
			}
			n = v
		}
		if err := migrations.Down(url, n); err != nil {
			return err
		}
		log.Info().Int("steps", n).Msg("migrations rolled back")
	case "version":
		v, dirty, err := migrations.Version(url)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
	default:
		return fmt.Errorf("unknown migrate action %q", args[0])
	}
	return nil
}

// summarize turns a finished run into the process outcome
func summarize(sum domain.Summary, err error) error {
	if err != nil {
		return err
	}
	if sum.Status == domain.RunFailed {
		return &runFailedError{sum: sum}
	}
	return nil
}

type app struct {
	store  *store.Store
	runner domain.RunnerPort
}

// withApp opens the stores, wires the importer and optionally serves ops
// endpoints for the lifetime of fn. SIGINT and SIGTERM cancel ctx so the run
// stops taking new items and requeues what it was working on
func withApp(parent context.Context, opsAddr string, fn func(ctx context.Context, a *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	chCfg := root.Prefix("SERVICE_CLICKHOUSE_")
	imCfg := root.Prefix("CORE_IMPORT_")
	l := logger.Get()
	l.Info().Interface("build", version.Info()).Msg("starting")

	stager := strings.ToLower(imCfg.MayString("STAGER", importmod.StagerClickHouse))
	chOn := chCfg.MayBool("ENABLED", stager == importmod.StagerClickHouse)
	chURL := ""
	if chOn {
		chURL = chCfg.MustString("DBURL")
	}

	st, err := store.Open(ctx, store.Config{
		AppName: "adlake-import",
		Log:     *l,
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 4)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		},
		CH: store.CHConfig{
			Enabled: chOn,
			URL:     chURL,
			Role:    chCfg.MayString("ROLE", ""),
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()
	if err := st.Guard(ctx); err != nil {
		return perr.Wrap(err, perr.ErrorCodeUnavailable, "store not ready")
	}

	m := metrics.New(nil)
	mod, err := importmod.New(ctx, modkit.Deps{
		Log:     *l,
		Cfg:     root,
		PG:      st.PG,
		CH:      st.CH,
		Metrics: m,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mod.Close(); err != nil {
			l.Error().Err(err).Msg("failed to close object store")
		}
	}()

	if opsAddr == "" {
		opsAddr = mod.Options().OpsAddr
	}
	if opsAddr != "" {
		srv := phttp.NewServer(opsAddr, func(m *chi.Mux) { m.Use(middleware.Ops()...) })
		phttp.MountOps(srv.Router(), metrics.Handler(), map[string]phttp.Check{"store": st.Guard})
		phttp.MountProfiler(srv.Router(), "/debug", mod.Options().Profiler)
		mod.MountRoutes(srv.Router())
		go func() {
			if err := srv.Run(ctx, 5*time.Second); err != nil {
				l.Error().Err(err).Msg("ops server stopped")
			}
		}()
	}

	return fn(ctx, &app{store: st, runner: module.MustPortsOf[domain.RunnerPort](mod)})
}
