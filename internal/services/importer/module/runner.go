package module

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/services/importer/domain"
)

// Queue priorities. Lower runs first within an entity
const (
	PriorityDaily    = 0
	PriorityBackfill = 10
)

// Requeuer returns failed or stranded items to pending
type Requeuer interface {
	Requeue(ctx context.Context, entityID string) (int, error)
}

// Runner implements domain.RunnerPort. Each Run gets its own runtime budget
type Runner struct {
	queue   domain.QueueRepo
	opts    Options
	clock   backoff.Clock
	factory *jobFactory

	mu   sync.Mutex
	last *domain.Summary
}

var _ domain.RunnerPort = (*Runner)(nil)

// Run drains the pending queue once
func (r *Runner) Run(ctx context.Context) (domain.Summary, error) {
	items, err := r.queue.Pending(ctx, "")
	if err != nil {
		return domain.Summary{}, err
	}

	budget := backoff.NewBudget(r.opts.MaxRuntime, r.clock)
	proc := r.factory.build(budget, r.clock)
	sum, err := r.factory.orchestrator(r.queue, proc, budget, r.clock).Run(ctx, items)

	r.mu.Lock()
	r.last = &sum
	r.mu.Unlock()
	return sum, err
}

// Resume requeues failed items, optionally for one entity, then drains the
// queue. Items with a snapshot pick up from their last checkpoint
func (r *Runner) Resume(ctx context.Context, entityID string) (domain.Summary, error) {
	if rq, ok := r.queue.(Requeuer); ok {
		n, err := rq.Requeue(ctx, entityID)
		if err != nil {
			return domain.Summary{}, err
		}
		logger.C(ctx).Info().Int("requeued", n).Str("entity_id", entityID).Msg("queue items requeued")
	}
	return r.Run(ctx)
}

// Last returns the summary of the most recent Run
func (r *Runner) Last() (domain.Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return domain.Summary{}, false
	}
	return *r.last, true
}

// Plan seeds one pending item per entity and day in [start, end]. Items that
// already exist are left alone, so planning the same range twice is a no-op
func (r *Runner) Plan(ctx context.Context, entities []string, start, end time.Time, backfill bool) (int, error) {
	items, err := PlanItems(entities, start, end, backfill)
	if err != nil {
		return 0, err
	}
	n, err := r.queue.Seed(ctx, items)
	if err != nil {
		return 0, err
	}
	logger.C(ctx).Info().
		Int("entities", len(entities)).
		Int("planned", len(items)).
		Int("seeded", n).
		Bool("backfill", backfill).
		Msg("queue items planned")
	return n, nil
}

// ParseRange parses a YYYY-MM-DD start and an optional inclusive end. An empty
// end plans the start day only
func ParseRange(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(time.DateOnly, strings.TrimSpace(start))
	if err != nil {
		return time.Time{}, time.Time{}, perr.InvalidArgf("bad start %q: want YYYY-MM-DD", start)
	}
	if strings.TrimSpace(end) == "" {
		return s, s, nil
	}
	e, err := time.Parse(time.DateOnly, strings.TrimSpace(end))
	if err != nil {
		return time.Time{}, time.Time{}, perr.InvalidArgf("bad end %q: want YYYY-MM-DD", end)
	}
	return s, e, nil
}

// PlanItems expands entities over every day in [start, end]
func PlanItems(entities []string, start, end time.Time, backfill bool) ([]domain.QueueItem, error) {
	start, end = start.UTC().Truncate(24*time.Hour), end.UTC().Truncate(24*time.Hour)
	if end.Before(start) {
		return nil, perr.InvalidArgf("plan: end %s before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	seen := map[string]struct{}{}
	var ids []string
	for _, e := range entities {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		ids = append(ids, e)
	}
	if len(ids) == 0 {
		return nil, perr.InvalidArgf("plan: no entities")
	}
	sort.Strings(ids)

	prio := PriorityDaily
	if backfill {
		prio = PriorityBackfill
	}
	var out []domain.QueueItem
	for _, e := range ids {
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			out = append(out, domain.QueueItem{
				EntityID: e,
				FileDate: d,
				Backfill: backfill,
				Priority: prio,
				Status:   domain.QueuePending,
			})
		}
	}
	return out, nil
}
