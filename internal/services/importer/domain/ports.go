package domain

import (
	"context"
	"time"
)

// RunnerPort is the public port exposed by the module
type RunnerPort interface {
	// Run drains pending queue items once and returns the job summary
	Run(ctx context.Context) (Summary, error)

	// Resume requeues failed items, optionally for one entity, then runs
	Resume(ctx context.Context, entityID string) (Summary, error)

	// Plan seeds pending queue items for entities over [start, end]
	Plan(ctx context.Context, entities []string, start, end time.Time, backfill bool) (int, error)
}

// BatchAPI submits many sub requests as one call
type BatchAPI interface {
	Batch(ctx context.Context, ops []Operation) ([]Response, error)
}

// Processor runs the full pipeline for one queue item
type Processor interface {
	Process(ctx context.Context, item QueueItem) error
}

// Resolver narrows the ids worth requesting insights for
type Resolver interface {
	Resolve(ctx context.Context, item QueueItem) (Resolution, error)
}

// SnapshotStore checkpoints in flight requests per queue item
type SnapshotStore interface {
	Save(ctx context.Context, itemID string, reqs Requests) error
	Load(ctx context.Context, itemID string) (Requests, bool, error)
	Clear(ctx context.Context, itemID string) error
}

// IDVault caches confirmed delivery bearing ids per entity
type IDVault interface {
	Load(ctx context.Context, entityID string) (VaultEntry, error)
	Save(ctx context.Context, entry VaultEntry) error
}

// PartialStore holds downloaded pages for requests not yet staged
type PartialStore interface {
	Append(id string, page []byte) (int, error)
	Pages(id string) ([][]byte, error)
	Delete(id string) error
}

// Stager persists parsed rows for one report group of a queue item
type Stager interface {
	Stage(ctx context.Context, rows []Row, item QueueItem, artifact string) error
}

// QueueRepo is the durable queue status store
type QueueRepo interface {
	// Pending lists pending items, optionally for one entity
	Pending(ctx context.Context, entityID string) ([]QueueItem, error)

	MarkRunning(ctx context.Context, id string) error
	MarkComplete(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, errText string) error
	MarkPending(ctx context.Context, id string, errText string) error

	// Seed inserts pending items, ignoring existing (entity, date, backfill) keys
	Seed(ctx context.Context, items []QueueItem) (int, error)

	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	FinishRun(ctx context.Context, s Summary) error
}
