// Package repokit binds SQL repos to a connection or a transaction and runs
// per transaction setup such as statement timeouts
package repokit

import (
	"context"
	"fmt"
	"time"

	"adlake/internal/platform/store"
)

// Queryer is what a bound repo issues statements through
type Queryer = store.RowQuerier

// TxRunner opens transactions
type TxRunner = store.TxRunner

// Binder builds a repo of type T over a Queryer, which is either the pool or
// an open transaction
type Binder[T any] interface {
	Bind(Queryer) T
}

// MustBind binds b to q, panicking when q is nil
func MustBind[T any](b Binder[T], q Queryer) T {
	if q == nil {
		panic("repokit: bind on nil Queryer")
	}
	return b.Bind(q)
}

// WithTx runs fn in one transaction on db
func WithTx(ctx context.Context, db TxRunner, fn func(Queryer) error) error {
	return db.Tx(ctx, fn)
}

// BeginHook runs first inside every transaction
type BeginHook func(ctx context.Context, q Queryer) error

type hooked struct {
	TxRunner
	hooks []BeginHook
}

// WithBeginHooks returns db with hooks run in order at the start of each
// transaction. A failing hook aborts the transaction before fn runs.
// Statements outside a transaction skip the hooks
func WithBeginHooks(db TxRunner, hooks ...BeginHook) TxRunner {
	return hooked{TxRunner: db, hooks: hooks}
}

func (h hooked) Tx(ctx context.Context, fn func(store.RowQuerier) error) error {
	return h.TxRunner.Tx(ctx, func(q store.RowQuerier) error {
		for _, hook := range h.hooks {
			if err := hook(ctx, q); err != nil {
				return err
			}
		}
		return fn(q)
	})
}

// StatementTimeout bounds each statement of the transaction to d with SET
// LOCAL. Zero or less keeps the server default
func StatementTimeout(d time.Duration) BeginHook {
	return func(ctx context.Context, q Queryer) error {
		if d.Milliseconds() <= 0 {
			return nil
		}
		_, err := q.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", d.Milliseconds()))
		return err
	}
}
