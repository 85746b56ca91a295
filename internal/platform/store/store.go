// Package store opens the queue database and the optional ClickHouse staging
// sink behind small seams the repos and stagers depend on
package store

import (
	"context"
	"errors"
	"fmt"

	"adlake/internal/core/backoff"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/store/ch"
	"adlake/internal/platform/store/pg"
)

// Row scans one result row
type Row interface {
	Scan(dest ...any) error
}

// Rows iterates a result set
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
	Columns() []string
}

// CommandTag reports what a statement did
type CommandTag interface {
	String() string
	RowsAffected() int64
}

// RowQuerier is the SQL surface repos use
type RowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// TxRunner runs fn in a transaction
type TxRunner interface {
	RowQuerier
	Tx(ctx context.Context, fn func(q RowQuerier) error) error
}

// Clickhouse is the columnar sink stagers write to
type Clickhouse interface {
	Insert(ctx context.Context, table string, data any) error
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Close() error
}

// Pinger reports readiness
type Pinger interface{ Ping(context.Context) error }

// Config selects and configures the backends
type Config struct {
	AppName string
	Log     logger.Logger
	// Clock drives the connect retries; nil is the wall clock
	Clock backoff.Clock

	PG PGConfig
	CH CHConfig
}

// PGConfig configures the queue database
type PGConfig struct {
	Enabled     bool
	URL         string
	MaxConns    int32
	LogSQL      bool
	SlowQueryMs int
}

// CHConfig configures the staging sink
type CHConfig struct {
	Enabled bool
	URL     string
	Role    string
}

// Store holds the opened backends. A disabled backend stays nil
type Store struct {
	PG TxRunner
	CH Clickhouse
}

// Open connects every enabled backend. Postgres is pinged until it answers;
// ClickHouse dials lazily and is checked by Guard
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{}
	if cfg.PG.Enabled {
		pool, err := pg.Open(ctx, pg.Config{
			URL:      cfg.PG.URL,
			MaxConns: cfg.PG.MaxConns,
			SlowMs:   cfg.PG.SlowQueryMs,
			LogSQL:   cfg.PG.LogSQL,
		}, cfg.Log, cfg.Clock)
		if err != nil {
			return nil, err
		}
		s.PG = newPGXRunner(pool)
	}
	if cfg.CH.Enabled {
		c, err := ch.Open(ctx, ch.Config{URL: cfg.CH.URL, Role: cfg.CH.Role, Tag: cfg.AppName})
		if err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		s.CH = newCHAdapter(c)
	}
	return s, nil
}

// Guard pings every backend that supports it and joins the failures
func (s *Store) Guard(ctx context.Context) error {
	if s == nil {
		return errors.New("store: nil")
	}
	var errs []error
	for name, b := range map[string]any{"pg": s.PG, "ch": s.CH} {
		p, ok := b.(Pinger)
		if !ok || p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every opened backend
func (s *Store) Close(_ context.Context) error {
	var errs []error
	if s.CH != nil {
		errs = append(errs, s.CH.Close())
	}
	if c, ok := s.PG.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
