package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/services/importer/domain"
)

// Putter is the slice of objectstore.Store the parquet stager writes through
type Putter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Parquet writes one snappy parquet object per staged report group
type Parquet struct {
	os     Putter
	prefix string
	newID  func() string
}

// NewParquet writes objects under prefix (default "staging")
func NewParquet(os Putter, prefix string) *Parquet {
	if prefix == "" {
		prefix = "staging"
	}
	return &Parquet{os: os, prefix: strings.Trim(prefix, "/"), newID: uuid.NewString}
}

// ObjectKey is where a staged part lands
func (p *Parquet) ObjectKey(artifact string, item domain.QueueItem, partID string) string {
	return fmt.Sprintf("%s/%s/entity=%s/dt=%s/part-%s.parquet",
		p.prefix, artifact, item.EntityID, item.FileDate.UTC().Format("2006-01-02"), partID)
}

// Stage implements domain.Stager. Every column is an optional UTF8 string;
// typing happens in the warehouse load
func (p *Parquet) Stage(ctx context.Context, rows []domain.Row, item domain.QueueItem, artifact string) error {
	if artifact == "" {
		return perr.InvalidArgf("staging: artifact is required")
	}
	if len(rows) == 0 {
		return nil
	}

	cols := columns(rows)
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(schema(cols), pfw, 4)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "staging %s schema", artifact)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	day := item.FileDate.UTC().Format("2006-01-02")
	for i, r := range rows {
		rec := make(map[string]*string, len(cols))
		for _, c := range cols {
			switch c {
			case "entity_id":
				rec[c] = &item.EntityID
			case "file_date":
				rec[c] = &day
			default:
				rec[c] = text(r[c])
			}
		}
		b, err := json.Marshal(rec)
		if err != nil {
			_ = pw.WriteStop()
			return perr.Wrapf(err, perr.ErrorCodeJSON, "staging %s row %d", artifact, i)
		}
		if err := pw.Write(string(b)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return perr.Wrapf(err, perr.ErrorCodeUnknown, "staging %s row %d", artifact, i)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "staging %s flush", artifact)
	}
	_ = pfw.Close()

	key := p.ObjectKey(artifact, item, p.newID())
	if err := p.os.Put(ctx, key, buf.Bytes()); err != nil {
		return err
	}
	logger.C(ctx).Debug().
		Str("artifact", artifact).
		Str("key", key).
		Int("rows", len(rows)).
		Int("bytes", buf.Len()).
		Msg("rows staged to parquet")
	return nil
}

// columns is the sorted union of row keys plus the partition columns
func columns(rows []domain.Row) []string {
	set := map[string]struct{}{"entity_id": {}, "file_date": {}}
	for _, r := range rows {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func schema(cols []string) string {
	fields := make([]map[string]string, 0, len(cols))
	for _, c := range cols {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c),
		})
	}
	b, _ := json.Marshal(map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	})
	return string(b)
}

func text(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case bool:
		s = strconv.FormatBool(x)
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		s = string(b)
	}
	return &s
}
