// Package repo provides postgres access for the import queue and job runs
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"adlake/internal/modkit/repokit"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/store"
	"adlake/internal/services/importer/domain"
)

type (
	// PG is a Postgres binder for domain.QueueRepo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a Postgres binder for domain.QueueRepo
func NewPG() repokit.Binder[domain.QueueRepo] { return PG{} }

// Bind implements repokit.Binder
func (PG) Bind(q repokit.Queryer) domain.QueueRepo { return &queries{q: q} }

const pendingSQL = `
	SELECT id::text, entity_id, file_date, backfill, priority, artifact, status, attempts
	FROM import_queue
	WHERE status = 'pending' AND ($1 = '' OR entity_id = $1)
	ORDER BY entity_id, priority, file_date
`

func scanItem(row store.Row) (domain.QueueItem, error) {
	var (
		it     domain.QueueItem
		status string
	)
	if err := row.Scan(&it.ID, &it.EntityID, &it.FileDate, &it.Backfill, &it.Priority, &it.Artifact, &status, &it.Attempts); err != nil {
		return it, err
	}
	it.FileDate = it.FileDate.UTC()
	it.Status = domain.QueueStatus(status)
	return it, nil
}

// Pending lists pending items ordered by entity, priority then file date
func (r *queries) Pending(ctx context.Context, entityID string) ([]domain.QueueItem, error) {
	out, err := store.Many(ctx, r.q, scanItem, pendingSQL, entityID)
	if err != nil {
		return nil, perr.FromPG(err, "import_queue pending")
	}
	return out, nil
}

// StatusCount is the number of queue items in one status
type StatusCount struct {
	Status domain.QueueStatus `json:"status"`
	Items  int                `json:"items"`
}

// Counts tallies queue items per status
func (r *queries) Counts(ctx context.Context) ([]StatusCount, error) {
	out, err := store.Many(ctx, r.q, func(row store.Row) (StatusCount, error) {
		var (
			c      StatusCount
			status string
		)
		err := row.Scan(&status, &c.Items)
		c.Status = domain.QueueStatus(status)
		return c, err
	}, `SELECT status, count(*)::int FROM import_queue GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, perr.FromPG(err, "import_queue counts")
	}
	return out, nil
}

// MarkRunning claims a pending item and bumps its attempt counter
func (r *queries) MarkRunning(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE import_queue SET
			status = 'running', attempts = attempts + 1, started_at = now(),
			finished_at = null, error = null, updated_at = now()
		WHERE id = $1::uuid AND status = 'pending'
	`, id)
	if err != nil {
		return perr.FromPG(err, "import_queue running %s", id)
	}
	if tag.RowsAffected() == 0 {
		return perr.Conflictf("import_queue: item %s is not pending", id)
	}
	return nil
}

// MarkComplete is idempotent
func (r *queries) MarkComplete(ctx context.Context, id string) error {
	return r.finish(ctx, id, domain.QueueComplete, "")
}

// MarkError records a terminal failure
func (r *queries) MarkError(ctx context.Context, id string, errText string) error {
	return r.finish(ctx, id, domain.QueueError, errText)
}

// MarkPending requeues an item for the next run
func (r *queries) MarkPending(ctx context.Context, id string, errText string) error {
	return r.finish(ctx, id, domain.QueuePending, errText)
}

// Requeue moves error items, and running items stranded by a crashed process,
// back to pending. It assumes no other runner holds the queue
func (r *queries) Requeue(ctx context.Context, entityID string) (int, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE import_queue SET status = 'pending', updated_at = now()
		WHERE status IN ('error', 'running') AND ($1 = '' OR entity_id = $1)
	`, entityID)
	if err != nil {
		return 0, perr.FromPG(err, "import_queue requeue")
	}
	return int(tag.RowsAffected()), nil
}

func (r *queries) finish(ctx context.Context, id string, status domain.QueueStatus, errText string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE import_queue SET
			status = $2, error = NULLIF($3, ''), finished_at = now(), updated_at = now()
		WHERE id = $1::uuid
	`, id, string(status), errText)
	if err != nil {
		return perr.FromPG(err, "import_queue %s %s", status, id)
	}
	return nil
}

// Seed inserts pending items and skips (entity, date, backfill) keys already queued
func (r *queries) Seed(ctx context.Context, items []domain.QueueItem) (int, error) {
	inserted := 0
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}
		tag, err := r.q.Exec(ctx, `
			INSERT INTO import_queue (id, entity_id, file_date, backfill, priority, artifact, status)
			VALUES ($1::uuid, $2, $3::date, $4, $5, $6, 'pending')
			ON CONFLICT (entity_id, file_date, backfill) DO NOTHING
		`, id, it.EntityID, it.FileDate.UTC().Format("2006-01-02"), it.Backfill, it.Priority, it.Artifact)
		if err != nil {
			return inserted, perr.FromPG(err, "import_queue seed %s %s", it.EntityID, it.FileDate.Format("2006-01-02"))
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// StartRun opens a job run row
func (r *queries) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO import_runs (id, started_at, status) VALUES ($1::uuid, $2, 'running')
		ON CONFLICT (id) DO NOTHING
	`, runID, startedAt.UTC())
	if err != nil {
		return perr.FromPG(err, "import_runs start %s", runID)
	}
	return nil
}

// FinishRun persists the final summary
func (r *queries) FinishRun(ctx context.Context, s domain.Summary) error {
	_, err := r.q.Exec(ctx, `
		UPDATE import_runs SET
			finished_at = $2,
			status = $3,
			completed = $4,
			subsumed = $5,
			errors = $6,
			warnings = $7,
			pending = $8,
			runtime_hit = $9,
			error = NULLIF($10, '')
		WHERE id = $1::uuid
	`,
		s.RunID, s.FinishedAt.UTC(), string(s.Status), s.Completed, s.Subsumed,
		s.Errors, s.Warnings, s.Pending, s.RuntimeHit, s.ErrText,
	)
	if err != nil {
		return perr.FromPG(err, "import_runs finish %s", s.RunID)
	}
	return nil
}

// Queue runs every QueueRepo call in its own transaction
type Queue struct {
	db repokit.TxRunner
	b  repokit.Binder[domain.QueueRepo]
}

// NewQueue binds the Postgres repo to a transaction runner
func NewQueue(db repokit.TxRunner) *Queue { return &Queue{db: db, b: NewPG()} }

var _ domain.QueueRepo = (*Queue)(nil)

func (w *Queue) tx(ctx context.Context, fn func(domain.QueueRepo) error) error {
	return repokit.WithTx(ctx, w.db, func(q repokit.Queryer) error {
		return fn(repokit.MustBind(w.b, q))
	})
}

// Pending implements domain.QueueRepo
func (w *Queue) Pending(ctx context.Context, entityID string) (out []domain.QueueItem, err error) {
	err = w.tx(ctx, func(r domain.QueueRepo) error {
		out, err = r.Pending(ctx, entityID)
		return err
	})
	return out, err
}

// MarkRunning implements domain.QueueRepo
func (w *Queue) MarkRunning(ctx context.Context, id string) error {
	return w.tx(ctx, func(r domain.QueueRepo) error { return r.MarkRunning(ctx, id) })
}

// MarkComplete implements domain.QueueRepo
func (w *Queue) MarkComplete(ctx context.Context, id string) error {
	return w.tx(ctx, func(r domain.QueueRepo) error { return r.MarkComplete(ctx, id) })
}

// MarkError implements domain.QueueRepo
func (w *Queue) MarkError(ctx context.Context, id string, errText string) error {
	return w.tx(ctx, func(r domain.QueueRepo) error { return r.MarkError(ctx, id, errText) })
}

// MarkPending implements domain.QueueRepo
func (w *Queue) MarkPending(ctx context.Context, id string, errText string) error {
	return w.tx(ctx, func(r domain.QueueRepo) error { return r.MarkPending(ctx, id, errText) })
}

// Seed implements domain.QueueRepo; all items land in one transaction
func (w *Queue) Seed(ctx context.Context, items []domain.QueueItem) (n int, err error) {
	err = w.tx(ctx, func(r domain.QueueRepo) error {
		n, err = r.Seed(ctx, items)
		return err
	})
	return n, err
}

// StartRun implements domain.QueueRepo
func (w *Queue) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	return w.tx(ctx, func(r domain.QueueRepo) error { return r.StartRun(ctx, runID, startedAt) })
}

// FinishRun implements domain.QueueRepo
func (w *Queue) FinishRun(ctx context.Context, s domain.Summary) error {
	return w.tx(ctx, func(r domain.QueueRepo) error { return r.FinishRun(ctx, s) })
}

// Requeue returns error and stranded running items to pending
func (w *Queue) Requeue(ctx context.Context, entityID string) (n int, err error) {
	err = repokit.WithTx(ctx, w.db, func(q repokit.Queryer) error {
		n, err = (&queries{q: q}).Requeue(ctx, entityID)
		return err
	})
	return n, err
}

// Counts tallies queue items per status
func (w *Queue) Counts(ctx context.Context) (out []StatusCount, err error) {
	err = repokit.WithTx(ctx, w.db, func(q repokit.Queryer) error {
		out, err = (&queries{q: q}).Counts(ctx)
		return err
	})
	return out, err
}
