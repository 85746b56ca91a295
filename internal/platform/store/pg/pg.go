// Package pg opens the pgx pool behind the import queue
package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
)

// Config configures the pool, query logging and the boot ping
type Config struct {
	URL      string
	MaxConns int32

	// SlowMs logs queries at or above this many milliseconds at warn. Negative disables
	SlowMs int
	// LogSQL logs every query at debug
	LogSQL bool

	// Connect retries the boot ping while the database comes up
	Connect     backoff.Strategy
	PingTimeout time.Duration
}

// DefaultConnect retries for roughly half a minute
var DefaultConnect = backoff.Strategy{MaxRetry: 20, Seed: 150 * time.Millisecond, Factor: 2, Cap: 2 * time.Second}

var newPool = pgxpool.NewWithConfig

// Open builds the pool with a query logging tracer and pings it until it
// answers, the retries run out or ctx ends
func Open(ctx context.Context, cfg Config, log logger.Logger, clk backoff.Clock) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "pg: parse url")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.ConnConfig.Tracer = newQueryLog(log, cfg.SlowMs, cfg.LogSQL)

	pool, err := newPool(ctx, pcfg)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnavailable, "pg: new pool")
	}

	s := cfg.Connect
	if s.MaxRetry == 0 && s.Seed == 0 {
		s = DefaultConnect
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	p := &backoff.Policy{
		Strategy:  s,
		Clock:     clk,
		Name:      "pg_connect",
		Retryable: func(error) bool { return ctx.Err() == nil },
	}
	err = p.Execute(ctx, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return pool.Ping(pctx)
	})
	if err != nil {
		pool.Close()
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "pg: ping after %d attempts", s.MaxRetry+1)
	}
	return pool, nil
}
