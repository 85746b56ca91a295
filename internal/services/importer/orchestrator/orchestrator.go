// Package orchestrator drains queue items across entities with bounded
// parallelism, strictly sequential within an entity
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/metrics"
	"adlake/internal/services/importer/coord"
	"adlake/internal/services/importer/domain"
)

// Config tunes the orchestrator
type Config struct {
	// Workers is the max number of entities processed at once
	Workers int
	// LookbackDays sizes the primary window of daily items
	LookbackDays int
	Timeouts     Timeouts
}

// Orchestrator runs queue items through a Processor and records outcomes
type Orchestrator struct {
	queue   domain.QueueRepo
	proc    domain.Processor
	coord   *coord.Coordinator
	budget  *backoff.Budget
	clock   backoff.Clock
	metrics *metrics.Metrics
	cfg     Config
	newID   func() string
	tracker DateTracker
}

// New builds an Orchestrator. budget may be nil for no runtime limit
func New(q domain.QueueRepo, p domain.Processor, co *coord.Coordinator, cfg Config, budget *backoff.Budget, clock backoff.Clock, m *metrics.Metrics) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if clock == nil {
		clock = backoff.System
	}
	if co == nil {
		co = coord.New()
	}
	return &Orchestrator{queue: q, proc: p, coord: co, budget: budget, clock: clock, metrics: m, cfg: cfg, newID: uuid.NewString}
}

// run is the mutable state of one Run call
type run struct {
	mu      sync.Mutex
	sum     domain.Summary
	status  map[string]domain.QueueStatus
	running map[string]domain.QueueItem
	stop    atomic.Bool
}

func (r *run) add(f func(s *domain.Summary)) {
	r.mu.Lock()
	f(&r.sum)
	r.mu.Unlock()
}

// tally derives the item counters from the final statuses
func (r *run) tally() domain.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sum
	for _, st := range r.status {
		switch st {
		case domain.QueuePending, domain.QueueRunning:
			s.Pending++
		case domain.QueueError:
			s.Errors++
		}
	}
	return s
}

// Run processes items and persists the job summary. The returned error covers
// bookkeeping failures only; item failures are counted in the summary
func (o *Orchestrator) Run(ctx context.Context, items []domain.QueueItem) (domain.Summary, error) {
	runID := o.newID()
	ctx = logger.WithJob(ctx, runID)
	log := logger.C(ctx)

	st := &run{
		sum:     domain.Summary{RunID: runID, StartedAt: o.clock.Now().UTC(), Status: domain.RunRunning},
		status:  make(map[string]domain.QueueStatus, len(items)),
		running: map[string]domain.QueueItem{},
	}
	if err := o.queue.StartRun(ctx, runID, st.sum.StartedAt); err != nil {
		return st.sum, err
	}

	byEntity := map[string][]domain.QueueItem{}
	for _, it := range items {
		byEntity[it.EntityID] = append(byEntity[it.EntityID], it)
		st.status[it.ID] = domain.QueuePending
	}
	entities := make([]string, 0, len(byEntity))
	for e := range byEntity {
		entities = append(entities, e)
	}
	sort.Strings(entities)
	log.Info().Int("items", len(items)).Int("entities", len(entities)).Int("workers", o.cfg.Workers).Msg("import run started")

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, e := range entities {
		g.Go(func() error {
			o.runEntity(logger.WithEntity(ctx, e), e, byEntity[e], st)
			return nil
		})
	}
	_ = g.Wait()

	o.releaseRunning(ctx, st)

	sum := st.tally()
	sum.FinishedAt = o.clock.Now().UTC()
	sum.RuntimeHit = sum.RuntimeHit || o.budget.Exceeded()
	sum.Finalize()

	if err := o.queue.FinishRun(context.WithoutCancel(ctx), sum); err != nil {
		log.Error().Err(err).Msg("job run summary not persisted")
		return sum, err
	}
	log.Info().
		Str("status", string(sum.Status)).
		Int("completed", sum.Completed).
		Int("subsumed", sum.Subsumed).
		Int("errors", sum.Errors).
		Int("warnings", sum.Warnings).
		Int("pending", sum.Pending).
		Bool("runtime_hit", sum.RuntimeHit).
		Dur("elapsed", sum.FinishedAt.Sub(sum.StartedAt)).
		Msg("import run finished")
	return sum, nil
}

// halted reports whether new items may no longer start
func (o *Orchestrator) halted(ctx context.Context, st *run) bool {
	if st.stop.Load() {
		return true
	}
	if o.budget.Exceeded() {
		st.add(func(s *domain.Summary) { s.RuntimeHit = true })
		st.stop.Store(true)
		return true
	}
	if ctx.Err() != nil {
		st.stop.Store(true)
		return true
	}
	return false
}

// runEntity works through one entity's groups in order. Items it does not
// reach stay pending
func (o *Orchestrator) runEntity(ctx context.Context, entity string, items []domain.QueueItem, st *run) {
	log := logger.C(ctx)
	release, ok := o.coord.Claim(entity)
	if !ok {
		log.Warn().Msg("entity already claimed, leaving its items pending")
		return
	}
	defer release()

	for _, g := range o.tracker.Plan(items, o.cfg.LookbackDays) {
		if o.halted(ctx, st) {
			return
		}

		outcome, err := o.runItem(ctx, g.Primary, st)
		o.metrics.IncOutcome(outcome.String())
		if err != nil {
			st.add(func(s *domain.Summary) { s.ErrText = firstErr(s.ErrText, err) })
		}

		switch outcome {
		case domain.OutcomeComplete:
			done := 0
			for _, sub := range g.Subsumed {
				if o.setStatus(ctx, st, sub, domain.QueueComplete, "") == nil {
					done++
				}
			}
			st.add(func(s *domain.Summary) {
				s.Completed++
				s.Subsumed += done
			})

		case domain.OutcomeWarning:
			st.add(func(s *domain.Summary) { s.Warnings++ })

		case domain.OutcomeError:
			// subsumed items wait for a later run of their primary

		case domain.OutcomeSkipEntity:
			n := o.cascade(ctx, st, items, err)
			log.Error().Err(err).Int("cascaded", n).Msg("entity skipped")
			return

		case domain.OutcomeAbandonEntity:
			log.Error().Err(err).Msg("entity abandoned for this run")
			return

		case domain.OutcomeJobStop:
			log.Warn().Err(err).Msg("runtime budget reached, stopping")
			st.add(func(s *domain.Summary) { s.RuntimeHit = true })
			st.stop.Store(true)
			return
		}
	}
}

// runItem claims, processes and records one queue item
func (o *Orchestrator) runItem(ctx context.Context, it domain.QueueItem, st *run) (domain.Outcome, error) {
	ctx = logger.WithQueueItem(ctx, it.ID)
	log := logger.C(ctx)

	dbCtx, cancel := ForDB(ctx, o.cfg.Timeouts)
	err := o.queue.MarkRunning(dbCtx, it.ID)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("queue item claim failed")
		if !perr.IsCode(err, perr.ErrorCodeConflict) {
			st.add(func(s *domain.Summary) { s.Errors++ })
		}
		return domain.OutcomeAbandonEntity, err
	}
	st.mu.Lock()
	st.running[it.ID] = it
	st.status[it.ID] = domain.QueueRunning
	st.mu.Unlock()

	start := o.clock.Now()
	err = o.process(ctx, it)
	outcome := domain.Classify(err)

	status, text := domain.QueueComplete, ""
	switch outcome {
	case domain.OutcomeWarning, domain.OutcomeJobStop:
		status, text = domain.QueuePending, err.Error()
	case domain.OutcomeError, domain.OutcomeSkipEntity, domain.OutcomeAbandonEntity:
		status, text = domain.QueueError, err.Error()
	}
	_ = o.setStatus(ctx, st, it, status, text)

	ev := log.Info()
	if outcome != domain.OutcomeComplete {
		ev = log.Warn().Err(err)
	}
	ev.Str("outcome", outcome.String()).
		Time("file_date", it.FileDate).
		Dur("elapsed", o.clock.Now().Sub(start)).
		Msg("queue item processed")
	return outcome, err
}

// process runs the pipeline and turns a panic into an error
func (o *Orchestrator) process(ctx context.Context, it domain.QueueItem) (err error) {
	ctx, cancel := ForItem(ctx, o.cfg.Timeouts)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = perr.PanicErrf("queue item %s: %v", it.ID, r)
		}
	}()
	return o.proc.Process(ctx, it)
}

// cascade marks every item of the entity that is not complete as error
func (o *Orchestrator) cascade(ctx context.Context, st *run, items []domain.QueueItem, cause error) int {
	text := fmt.Sprintf("entity skipped: %v", cause)
	n := 0
	for _, it := range items {
		st.mu.Lock()
		cur := st.status[it.ID]
		st.mu.Unlock()
		if cur == domain.QueueComplete || cur == domain.QueueError {
			continue
		}
		if o.setStatus(ctx, st, it, domain.QueueError, text) == nil {
			n++
		}
	}
	return n
}

// setStatus writes a status and mirrors it into the run. A failed write is
// logged and counted as an error so the run cannot finish clean
func (o *Orchestrator) setStatus(ctx context.Context, st *run, it domain.QueueItem, status domain.QueueStatus, text string) error {
	dbCtx, cancel := ForDB(ctx, o.cfg.Timeouts)
	defer cancel()
	var err error
	switch status {
	case domain.QueueComplete:
		err = o.queue.MarkComplete(dbCtx, it.ID)
	case domain.QueueError:
		err = o.queue.MarkError(dbCtx, it.ID, text)
	default:
		err = o.queue.MarkPending(dbCtx, it.ID, text)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		logger.C(ctx).Error().Err(err).Str("queue_item", it.ID).Str("status", string(status)).Msg("queue status not recorded")
		st.sum.Errors++
		st.sum.ErrText = firstErr(st.sum.ErrText, err)
		return err
	}
	st.status[it.ID] = status
	delete(st.running, it.ID)
	return nil
}

// releaseRunning requeues anything a worker left running, so an interrupted
// run never strands an item
func (o *Orchestrator) releaseRunning(ctx context.Context, st *run) {
	st.mu.Lock()
	left := make([]domain.QueueItem, 0, len(st.running))
	for _, it := range st.running {
		left = append(left, it)
	}
	st.mu.Unlock()
	for _, it := range left {
		_ = o.setStatus(ctx, st, it, domain.QueuePending, "released after interrupted run")
	}
}

func firstErr(cur string, err error) string {
	if cur != "" || err == nil {
		return cur
	}
	return err.Error()
}
