package errors

import (
	"context"
	stderrs "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE classes the queue repo cares about
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014" // statement_timeout
	pgCannotConnectNow     = "57P03"
	pgAdminShutdown        = "57P01"
)

// FromPG wraps a database error for the queue. Contention, statement timeouts
// and server restarts become Unavailable so retry policies pick them up;
// integrity violations (class 23) become InvalidArgument; the rest is DB
func FromPG(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, a...)
	var pgErr *pgconn.PgError
	if !stderrs.As(err, &pgErr) {
		if pgTransient(err) {
			return Wrap(err, ErrorCodeUnavailable, msg)
		}
		return Wrap(err, ErrorCodeDB, msg)
	}
	switch {
	case pgTransient(err):
		return Wrap(err, ErrorCodeUnavailable, msg)
	case strings.HasPrefix(pgErr.Code, "23"):
		out := Wrap(err, ErrorCodeInvalidArgument, msg)
		if pgErr.ColumnName != "" {
			out = WithField(out, pgErr.ColumnName)
		}
		return out
	}
	return Wrap(err, ErrorCodeDB, msg)
}

// pgTransient reports whether the root cause is a Postgres condition worth
// retrying. Local cancellation never is
func pgTransient(err error) bool {
	if err == nil || stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return false
	}
	root := Root(err)
	var pgErr *pgconn.PgError
	if stderrs.As(root, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable,
			pgQueryCanceled, pgCannotConnectNow, pgAdminShutdown:
			return true
		}
		return false
	}
	// pgx reports some aborts as plain text on commit
	s := strings.ToLower(root.Error())
	for _, frag := range []string{
		"commit unexpectedly resulted in rollback",
		"deadlock detected",
		"could not serialize access",
		"canceling statement due to statement timeout",
		"canceling statement due to lock timeout",
	} {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}
