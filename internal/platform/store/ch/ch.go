// Package ch is the ClickHouse connection report rows are staged through
package ch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"adlake/internal/core/version"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Config selects the server. Role and Tag show up in system.query_log as
// client products, e.g. role "import" and tag "adlake-import"
type Config struct {
	URL  string
	Role string
	Tag  string
}

// Rows is the part of a driver result set stagers read
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() []string
	Err() error
	Close() error
}

var errClosed = errors.New("ch: not connected")

// CH is a lazily dialed connection pool
type CH struct {
	conn driver.Conn
}

var openConn = clickhouse.Open

// Open parses the DSN and builds the pool. Nothing is dialed until first use
func Open(_ context.Context, cfg Config) (*CH, error) {
	opts, err := clickhouse.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ch: parse dsn: %w", err)
	}
	opts.ClientInfo = clientInfo(cfg)
	conn, err := openConn(opts)
	if err != nil {
		return nil, fmt.Errorf("ch: open: %w", err)
	}
	return &CH{conn: conn}, nil
}

func clientInfo(cfg Config) clickhouse.ClientInfo {
	tag := strings.TrimSpace(cfg.Tag)
	if tag == "" {
		tag = version.Info().Service
	}
	ci := clickhouse.ClientInfo{}
	ci.Products = append(ci.Products, struct{ Name, Version string }{tag, version.Info().Version})
	if role := strings.TrimSpace(cfg.Role); role != "" {
		ci.Products = append(ci.Products, struct{ Name, Version string }{"role", role})
	}
	return ci
}

// Insert sends rows to table as one batch. table may name its columns, as in
// "ad_insights (day, account_id, spend)". An empty rows is a no-op
func (c *CH) Insert(ctx context.Context, table string, rows [][]any) error {
	if c == nil || c.conn == nil {
		return errClosed
	}
	if strings.TrimSpace(table) == "" {
		return errors.New("ch: empty table")
	}
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("ch: prepare %s: %w", table, err)
	}
	for i, r := range rows {
		if err := batch.Append(r...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("ch: %s row %d: %w", table, i, err)
		}
	}
	return batch.Send()
}

func (c *CH) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	if c == nil || c.conn == nil {
		return nil, errClosed
	}
	return c.conn.Query(ctx, sql, args...)
}

func (c *CH) Ping(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return errClosed
	}
	return c.conn.Ping(ctx)
}

// Close is safe on a nil or unopened CH
func (c *CH) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
