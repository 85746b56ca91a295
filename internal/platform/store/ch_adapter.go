package store

import (
	"context"
	"fmt"

	"adlake/internal/platform/store/ch"
)

// chClient is what the adapter needs from *ch.CH
type chClient interface {
	Insert(ctx context.Context, table string, rows [][]any) error
	Query(ctx context.Context, sql string, args ...any) (ch.Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

// chSink is the Clickhouse seam over a ch client. Inserts take row major
// [][]any, the shape the stager builds per report batch
type chSink struct{ c chClient }

func newCHAdapter(c chClient) Clickhouse { return chSink{c: c} }

func (s chSink) Insert(ctx context.Context, table string, data any) error {
	rows, ok := data.([][]any)
	if !ok {
		return fmt.Errorf("store: clickhouse insert into %s wants [][]any, got %T", table, data)
	}
	return s.c.Insert(ctx, table, rows)
}

func (s chSink) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	r, err := s.c.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return chRows{r}, nil
}

func (s chSink) Ping(ctx context.Context) error { return s.c.Ping(ctx) }
func (s chSink) Close() error                   { return s.c.Close() }

// chRows drops the Close error the driver reports
type chRows struct{ ch.Rows }

func (r chRows) Close() { _ = r.Rows.Close() }
