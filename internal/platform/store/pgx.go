package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxQuerier is the part of pgxpool.Pool and pgx.Tx the queue needs
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxRunner adapts a pool to TxRunner. Query logging happens in the pool's tracer
type pgxRunner struct {
	pool *pgxpool.Pool
	pgxSQL
}

func newPGXRunner(pool *pgxpool.Pool) *pgxRunner {
	return &pgxRunner{pool: pool, pgxSQL: pgxSQL{q: pool}}
}

func (r *pgxRunner) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *pgxRunner) Close() error {
	r.pool.Close()
	return nil
}

// Tx commits when fn returns nil and rolls back otherwise
func (r *pgxRunner) Tx(ctx context.Context, fn func(q RowQuerier) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(pgxSQL{q: tx})
	})
}

type pgxSQL struct{ q pgxQuerier }

func (s pgxSQL) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	return s.q.Exec(ctx, sql, args...)
}

func (s pgxSQL) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rs, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rs}, nil
}

func (s pgxSQL) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return s.q.QueryRow(ctx, sql, args...)
}

type pgxRows struct{ pgx.Rows }

func (r pgxRows) Columns() []string {
	fds := r.FieldDescriptions()
	out := make([]string, len(fds))
	for i, fd := range fds {
		out[i] = fd.Name
	}
	return out
}
