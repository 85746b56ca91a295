package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"adlake/internal/platform/store/ch"
)

type fakeCH struct {
	table   string
	rows    [][]any
	err     error
	closed  bool
	results *fakeCHRows
}

func (f *fakeCH) Insert(_ context.Context, table string, rows [][]any) error {
	f.table, f.rows = table, rows
	return f.err
}

func (f *fakeCH) Query(context.Context, string, ...any) (ch.Rows, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeCH) Ping(context.Context) error { return f.err }
func (f *fakeCH) Close() error               { f.closed = true; return nil }

type fakeCHRows struct {
	days   []string
	i      int
	closed bool
}

func (r *fakeCHRows) Next() bool             { r.i++; return r.i <= len(r.days) }
func (r *fakeCHRows) Scan(dest ...any) error { *(dest[0].(*string)) = r.days[r.i-1]; return nil }
func (r *fakeCHRows) Err() error             { return nil }
func (r *fakeCHRows) Close() error           { r.closed = true; return nil }
func (r *fakeCHRows) Columns() []string      { return []string{"day"} }

func TestCHSink_Insert(t *testing.T) {
	f := &fakeCH{}
	s := newCHAdapter(f)

	err := s.Insert(context.Background(), "ad_insights", []map[string]any{{"spend": 1}})
	if err == nil || !strings.Contains(err.Error(), "ad_insights") {
		t.Fatalf("shape err = %v", err)
	}
	rows := [][]any{{"2026-10-01", "act_1", 12.5}, {"2026-10-01", "act_2", 3.0}}
	if err := s.Insert(context.Background(), "ad_insights (day, account_id, spend)", rows); err != nil {
		t.Fatal(err)
	}
	if f.table != "ad_insights (day, account_id, spend)" || len(f.rows) != 2 {
		t.Fatalf("got %q %v", f.table, f.rows)
	}
}

func TestCHSink_QueryAndClose(t *testing.T) {
	f := &fakeCH{results: &fakeCHRows{days: []string{"2026-10-01", "2026-10-02"}}}
	s := newCHAdapter(f)

	got, err := Many(context.Background(), chQuerier{s}, func(r Row) (string, error) {
		var d string
		return d, r.Scan(&d)
	}, "SELECT DISTINCT day FROM ad_insights")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1] != "2026-10-02" || !f.results.closed {
		t.Fatalf("got %v closed=%v", got, f.results.closed)
	}
	if err := s.Close(); err != nil || !f.closed {
		t.Fatalf("close err=%v closed=%v", err, f.closed)
	}
}

func TestCHSink_QueryError(t *testing.T) {
	boom := errors.New("code: 60, table does not exist")
	if _, err := newCHAdapter(&fakeCH{err: boom}).Query(context.Background(), "SELECT 1"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

// chQuerier lets Many read from the sink
type chQuerier struct{ Clickhouse }

func (chQuerier) Exec(context.Context, string, ...any) (CommandTag, error) { return nil, nil }
func (chQuerier) QueryRow(context.Context, string, ...any) Row            { return nil }
