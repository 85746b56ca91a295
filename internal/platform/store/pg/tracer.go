package pg

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"adlake/internal/platform/logger"
)

type queryStartKey struct{}

type queryStart struct {
	at   time.Time
	sql  string
	args int
}

// queryLog is a pgx.QueryTracer. Slow or failed queries log at warn, every
// query at debug when all is set
type queryLog struct {
	log  logger.Logger
	slow time.Duration
	all  bool
	now  func() time.Time
}

func newQueryLog(log logger.Logger, slowMs int, all bool) *queryLog {
	slow := time.Duration(-1)
	if slowMs >= 0 {
		slow = time.Duration(slowMs) * time.Millisecond
	}
	l := log.With().Str("component", "pg").Logger()
	if all {
		l = l.Level(zerolog.DebugLevel)
	}
	return &queryLog{log: l, slow: slow, all: all, now: time.Now}
}

func (q *queryLog) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: q.now(), sql: data.SQL, args: len(data.Args)})
}

func (q *queryLog) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	st, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := q.now().Sub(st.at)
	slow := q.slow >= 0 && elapsed >= q.slow

	var ev *zerolog.Event
	switch {
	case data.Err != nil || slow:
		ev = q.log.Warn()
	case q.all:
		ev = q.log.Debug()
	default:
		return
	}
	ev.Dur("elapsed", elapsed).
		Bool("slow", slow).
		Int("args", st.args).
		Int64("rows", data.CommandTag.RowsAffected()).
		Str("sql", strings.Join(strings.Fields(st.sql), " ")).
		Err(data.Err).
		Msg("pg query")
}
