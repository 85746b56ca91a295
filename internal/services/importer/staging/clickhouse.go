// Package staging materializes parsed report rows. Rows land either in a
// ClickHouse landing table or as parquet objects on the object store
package staging

import (
	"context"
	"encoding/json"
	"time"

	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/services/importer/domain"
)

// Inserter is the slice of store.Clickhouse the stager writes through
type Inserter interface {
	Insert(ctx context.Context, table string, data any) error
}

// landingColumns is the fixed column list of every landing table
const landingColumns = "(queue_item, entity_id, file_date, loaded_at, payload)"

// ClickHouse stages rows into one landing table per artifact. The payload
// column carries the row as JSON so report shapes can vary per table
type ClickHouse struct {
	ch        Inserter
	chunkSize int
	now       func() time.Time
}

// NewClickHouse wraps an inserter; chunk <= 0 sends everything in one batch
func NewClickHouse(ch Inserter, chunk int) *ClickHouse {
	return &ClickHouse{ch: ch, chunkSize: chunk, now: time.Now}
}

// Stage implements domain.Stager
func (c *ClickHouse) Stage(ctx context.Context, rows []domain.Row, item domain.QueueItem, artifact string) error {
	if artifact == "" {
		return perr.InvalidArgf("staging: artifact is required")
	}
	if len(rows) == 0 {
		return nil
	}

	loaded := c.now().UTC()
	day := item.FileDate.UTC().Truncate(24 * time.Hour)
	data := make([][]any, 0, len(rows))
	for i, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeJSON, "staging %s row %d", artifact, i)
		}
		data = append(data, []any{item.ID, item.EntityID, day, loaded, string(b)})
	}

	table := artifact + " " + landingColumns
	size := c.chunkSize
	if size <= 0 {
		size = len(data)
	}
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		if err := c.ch.Insert(ctx, table, data[start:end]); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeUnavailable, "staging %s insert", artifact)
		}
	}

	logger.C(ctx).Debug().
		Str("artifact", artifact).
		Str("queue_item", item.ID).
		Int("rows", len(rows)).
		Msg("rows staged to clickhouse")
	return nil
}
