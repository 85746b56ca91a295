package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/testkit"
	"adlake/internal/services/importer/coord"
	"adlake/internal/services/importer/domain"
)

type memQueue struct {
	mu       sync.Mutex
	status   map[string]domain.QueueStatus
	text     map[string]string
	finished []domain.Summary
}

func newQueue(items ...domain.QueueItem) *memQueue {
	q := &memQueue{status: map[string]domain.QueueStatus{}, text: map[string]string{}}
	for _, it := range items {
		q.status[it.ID] = domain.QueuePending
	}
	return q
}

func (q *memQueue) set(id string, s domain.QueueStatus, text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status[id] = s
	q.text[id] = text
	return nil
}

func (q *memQueue) get(id string) domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status[id]
}

func (q *memQueue) Pending(context.Context, string) ([]domain.QueueItem, error) { return nil, nil }

func (q *memQueue) MarkRunning(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status[id] != domain.QueuePending {
		return perr.Conflictf("item %s is %s", id, q.status[id])
	}
	q.status[id] = domain.QueueRunning
	return nil
}

func (q *memQueue) MarkComplete(_ context.Context, id string) error {
	return q.set(id, domain.QueueComplete, "")
}

func (q *memQueue) MarkError(_ context.Context, id, text string) error {
	return q.set(id, domain.QueueError, text)
}

func (q *memQueue) MarkPending(_ context.Context, id, text string) error {
	return q.set(id, domain.QueuePending, text)
}

func (q *memQueue) Seed(context.Context, []domain.QueueItem) (int, error) { return 0, nil }

func (q *memQueue) StartRun(context.Context, string, time.Time) error { return nil }

func (q *memQueue) FinishRun(_ context.Context, s domain.Summary) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished = append(q.finished, s)
	return nil
}

type scriptProc struct {
	mu     sync.Mutex
	calls  []domain.QueueItem
	script map[string]func() error
}

func (p *scriptProc) Process(_ context.Context, it domain.QueueItem) error {
	p.mu.Lock()
	p.calls = append(p.calls, it)
	fn := p.script[it.ID]
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (p *scriptProc) called() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.ID
	}
	return out
}

func d(day int) time.Time { return time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC) }

func newOrch(q *memQueue, p *scriptProc, cfg Config, budget *backoff.Budget, clk backoff.Clock) *Orchestrator {
	o := New(q, p, coord.New(), cfg, budget, clk, nil)
	o.newID = func() string { return "run-1" }
	return o
}

func TestPlan_PrimaryWindows(t *testing.T) {
	items := []domain.QueueItem{
		{ID: "d27", FileDate: d(27)},
		{ID: "d10", FileDate: d(10)},
		{ID: "d28", FileDate: d(28)},
		{ID: "d20", FileDate: d(20)},
		{ID: "b01", FileDate: d(1), Backfill: true},
	}
	groups := DateTracker{}.Plan(items, 7)

	var order []string
	for _, g := range groups {
		order = append(order, g.Primary.ID)
	}
	want := []string{"b01", "d10", "d20", "d28"}
	if len(order) != len(want) {
		t.Fatalf("order=%v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v", order)
		}
	}

	last := groups[3]
	if len(last.Subsumed) != 1 || last.Subsumed[0].ID != "d27" {
		t.Fatalf("subsumed=%v", last.Subsumed)
	}
	if !last.Primary.Window.Since.Equal(d(21)) || !last.Primary.Window.Until.Equal(d(28)) {
		t.Fatalf("window=%+v", last.Primary.Window)
	}
	if w := groups[0].Primary.Window; !w.Since.Equal(d(1)) || !w.Until.Equal(d(1)) {
		t.Fatalf("backfill window=%+v", w)
	}
	if len(groups[1].Subsumed) != 0 || len(groups[2].Subsumed) != 0 {
		t.Fatal("items outside a window must stand alone")
	}
}

func TestPlan_PriorityThenDate(t *testing.T) {
	groups := DateTracker{}.Plan([]domain.QueueItem{
		{ID: "late", FileDate: d(5), Backfill: true, Priority: 0},
		{ID: "low", FileDate: d(1), Backfill: true, Priority: 2},
		{ID: "early", FileDate: d(3), Backfill: true, Priority: 0},
	}, 0)
	if groups[0].Primary.ID != "early" || groups[1].Primary.ID != "late" || groups[2].Primary.ID != "low" {
		t.Fatalf("groups=%v", groups)
	}

	groups = DateTracker{}.Plan([]domain.QueueItem{{ID: "a", FileDate: d(2)}, {ID: "b", FileDate: d(3)}}, 0)
	if len(groups) != 2 {
		t.Fatalf("zero lookback keeps dates apart, got %d groups", len(groups))
	}
}

func TestRun_CompletesAndSubsumes(t *testing.T) {
	items := []domain.QueueItem{
		{ID: "d27", EntityID: "act_1", FileDate: d(27)},
		{ID: "d28", EntityID: "act_1", FileDate: d(28)},
	}
	q := newQueue(items...)
	p := &scriptProc{}
	sum, err := newOrch(q, p, Config{LookbackDays: 7}, nil, nil).Run(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}

	if got := p.called(); len(got) != 1 || got[0] != "d28" {
		t.Fatalf("processed=%v", got)
	}
	if !p.calls[0].Window.Since.Equal(d(21)) {
		t.Fatalf("window=%+v", p.calls[0].Window)
	}
	if q.get("d27") != domain.QueueComplete || q.get("d28") != domain.QueueComplete {
		t.Fatalf("status=%v", q.status)
	}
	if sum.Completed != 1 || sum.Subsumed != 1 || sum.Status != domain.RunSuccess || sum.RunID != "run-1" {
		t.Fatalf("sum=%+v", sum)
	}
	if len(q.finished) != 1 {
		t.Fatal("summary not persisted")
	}
}

func TestRun_SkipEntityCascades(t *testing.T) {
	items := []domain.QueueItem{
		{ID: "b1", EntityID: "act_1", FileDate: d(1), Backfill: true},
		{ID: "b2", EntityID: "act_1", FileDate: d(2), Backfill: true},
		{ID: "b3", EntityID: "act_1", FileDate: d(3), Backfill: true},
		{ID: "b4", EntityID: "act_1", FileDate: d(4), Backfill: true},
		{ID: "c1", EntityID: "act_2", FileDate: d(1), Backfill: true},
	}
	q := newQueue(items...)
	p := &scriptProc{script: map[string]func() error{
		"b1": func() error { return &domain.WarningError{Reports: []string{"r"}} },
		"b2": func() error { return errors.New("stage failed") },
		"b3": func() error { return perr.Wrapf(domain.ErrSkipEntity, perr.ErrorCodeEntitySkipped, "suspended") },
	}}
	sum, err := newOrch(q, p, Config{Workers: 2}, nil, nil).Run(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"b1", "b2", "b3", "b4"} {
		if q.get(id) != domain.QueueError {
			t.Fatalf("%s=%s", id, q.get(id))
		}
	}
	if q.get("c1") != domain.QueueComplete {
		t.Fatal("other entity should be unaffected")
	}
	for _, id := range p.called() {
		if id == "b4" {
			t.Fatal("items after a skip must not run")
		}
	}
	if sum.Errors != 4 || sum.Warnings != 1 || sum.Completed != 1 || sum.Status != domain.RunFailed {
		t.Fatalf("sum=%+v", sum)
	}
}

func TestRun_AbandonLeavesLaterItemsPending(t *testing.T) {
	items := []domain.QueueItem{
		{ID: "b1", EntityID: "act_1", FileDate: d(1), Backfill: true},
		{ID: "b2", EntityID: "act_1", FileDate: d(2), Backfill: true},
	}
	q := newQueue(items...)
	p := &scriptProc{script: map[string]func() error{
		"b1": func() error { return perr.Wrapf(domain.ErrRetryCeiling, perr.ErrorCodeRetryCeiling, "queue") },
	}}
	sum, _ := newOrch(q, p, Config{}, nil, nil).Run(context.Background(), items)
	if q.get("b1") != domain.QueueError || q.get("b2") != domain.QueuePending {
		t.Fatalf("status=%v", q.status)
	}
	if sum.Errors != 1 || sum.Pending != 1 || sum.Status != domain.RunFailed {
		t.Fatalf("sum=%+v", sum)
	}
}

func TestRun_RuntimeBudgetLeavesNothingRunning(t *testing.T) {
	clk := backoff.NewManual(d(1))
	budget := backoff.NewBudget(time.Hour, clk)
	items := []domain.QueueItem{
		{ID: "a1", EntityID: "act_1", FileDate: d(1), Backfill: true},
		{ID: "a2", EntityID: "act_1", FileDate: d(2), Backfill: true},
		{ID: "b1", EntityID: "act_2", FileDate: d(1), Backfill: true},
	}
	q := newQueue(items...)
	p := &scriptProc{script: map[string]func() error{
		"a1": func() error {
			clk.Advance(2 * time.Hour)
			return domain.ErrRuntimeExceeded
		},
	}}
	sum, err := newOrch(q, p, Config{Workers: 1}, budget, clk).Run(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}

	for id, s := range q.status {
		if s == domain.QueueRunning {
			t.Fatalf("%s left running", id)
		}
		if s != domain.QueuePending {
			t.Fatalf("%s=%s", id, s)
		}
	}
	if got := p.called(); len(got) != 1 {
		t.Fatalf("no new work after the budget, processed=%v", got)
	}
	if !sum.RuntimeHit || sum.Pending != 3 || sum.Errors != 0 {
		t.Fatalf("sum=%+v", sum)
	}
}

func TestRun_PanicBecomesError(t *testing.T) {
	items := []domain.QueueItem{{ID: "a1", EntityID: "act_1", FileDate: d(1), Backfill: true}}
	q := newQueue(items...)
	p := &scriptProc{script: map[string]func() error{"a1": func() error { panic("boom") }}}
	sum, _ := newOrch(q, p, Config{}, nil, nil).Run(context.Background(), items)
	if q.get("a1") != domain.QueueError || sum.Errors != 1 {
		t.Fatalf("status=%s sum=%+v", q.get("a1"), sum)
	}
	testkit.MustContain(t, q.text["a1"], "boom")
}

func TestRun_ClaimedEntityWaits(t *testing.T) {
	items := []domain.QueueItem{{ID: "a1", EntityID: "act_1", FileDate: d(1), Backfill: true}}
	q := newQueue(items...)
	p := &scriptProc{}
	o := newOrch(q, p, Config{}, nil, nil)
	release, _ := o.coord.Claim("act_1")
	defer release()

	sum, _ := o.Run(context.Background(), items)
	if len(p.called()) != 0 || q.get("a1") != domain.QueuePending || sum.Pending != 1 {
		t.Fatalf("sum=%+v", sum)
	}
}

type gateProc struct {
	cur, peak atomic.Int32
	perEntity sync.Map
}

func (g *gateProc) Process(_ context.Context, it domain.QueueItem) error {
	n := g.cur.Add(1)
	defer g.cur.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	v, _ := g.perEntity.LoadOrStore(it.EntityID, new(atomic.Int32))
	if v.(*atomic.Int32).Add(1) > 1 {
		panic("two items of one entity at once")
	}
	time.Sleep(5 * time.Millisecond)
	v.(*atomic.Int32).Add(-1)
	return nil
}

func TestRun_BoundedParallelism(t *testing.T) {
	var items []domain.QueueItem
	for e := range 8 {
		for day := 1; day <= 3; day++ {
			items = append(items, domain.QueueItem{
				ID:       string(rune('a'+e)) + string(rune('0'+day)),
				EntityID: string(rune('a' + e)),
				FileDate: d(day),
				Backfill: true,
			})
		}
	}
	q := newQueue(items...)
	g := &gateProc{}
	o := New(q, g, coord.New(), Config{Workers: 3}, nil, nil, nil)
	sum, err := o.Run(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if g.peak.Load() > 3 {
		t.Fatalf("peak concurrency %d", g.peak.Load())
	}
	if sum.Completed != len(items) || sum.Errors != 0 {
		t.Fatalf("sum=%+v", sum)
	}
}
