package lifecycle

import (
	"context"
	stderrs "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"adlake/internal/core/backoff"
	"adlake/internal/core/signature"
	"adlake/internal/services/importer/batch"
	"adlake/internal/services/importer/domain"
	"adlake/internal/services/importer/partial"
)

const reduceBody = `{"error":{"code":1,"message":"Please reduce the amount of data you're asking for, then retry your request"}}`

type fakeAPI struct {
	calls int
	seen  []domain.Operation
	fn    func(call int, op domain.Operation) domain.Response
}

func (f *fakeAPI) Batch(_ context.Context, ops []domain.Operation) ([]domain.Response, error) {
	out := make([]domain.Response, len(ops))
	for i, op := range ops {
		out[i] = f.fn(f.calls, op)
	}
	f.calls++
	f.seen = append(f.seen, ops...)
	return out, nil
}

func ok(body string) domain.Response {
	return domain.Response{Code: 200, Body: []byte(body), Headers: http.Header{}}
}

func page(data string, after string) string {
	if after == "" {
		return `{"data":[` + data + `],"paging":{"cursors":{"before":"b"}}}`
	}
	return `{"data":[` + data + `],"paging":{"cursors":{"before":"b","after":"` + after + `"},"next":"https://x/next"}}`
}

type fixture struct {
	tr    *Tracker
	parts *partial.Store
	clk   *backoff.ManualClock
}

func newFixture(t *testing.T, api domain.BatchAPI, budget time.Duration) fixture {
	t.Helper()
	parts, err := partial.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clk := backoff.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	ex := batch.New(api, batch.Config{Reduce: signature.New("reduce the amount of data")}, nil)
	cfg := Config{
		PageSizes:           []int{1000, 500, 250, 100},
		MaxQueueAttempts:    3,
		MaxStatusAttempts:   3,
		MaxDownloadAttempts: 3,
		Retry:               backoff.Strategy{Seed: time.Second, Factor: 2},
		Poll:                backoff.Strategy{Seed: time.Second, Factor: 2, Cap: 5 * time.Second},
	}
	return fixture{tr: New(ex, parts, cfg, backoff.NewBudget(budget, clk), clk, nil), parts: parts, clk: clk}
}

func insights(id string) *domain.ReportRequest {
	return &domain.ReportRequest{
		ID: id, Report: "ad_insights", Kind: domain.KindInsights,
		Endpoint: "act_1/insights?r=" + id, PageSize: 1000, State: domain.StateCreated,
	}
}

func TestNextPageSize(t *testing.T) {
	f := newFixture(t, nil, 0)
	tests := []struct {
		cur  int
		want int
		ok   bool
	}{
		{1000, 500, true},
		{500, 250, true},
		{250, 100, true},
		{100, 0, false},
		{700, 500, true},
	}
	for _, tc := range tests {
		got, ok := f.tr.NextPageSize(tc.cur)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NextPageSize(%d)=%d,%v", tc.cur, got, ok)
		}
	}
	if f.tr.InitialPageSize() != 1000 {
		t.Fatal("initial")
	}
}

func TestQueue_AssignsRunIDsAndReadiesDimensions(t *testing.T) {
	n := 0
	api := &fakeAPI{fn: func(_ int, op domain.Operation) domain.Response {
		n++
		return ok(fmt.Sprintf(`{"report_run_id":"%d"}`, 100+n))
	}}
	f := newFixture(t, api, 0)
	dim := &domain.ReportRequest{ID: "ads", Kind: domain.KindDimension, Endpoint: "act_1/ads?fields=id", PageSize: 1000, State: domain.StateCreated}
	reqs := domain.Requests{insights("a"), insights("b"), insights("c"), dim}

	if err := f.tr.Queue(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}
	for _, r := range reqs[:3] {
		if r.State != domain.StateQueued || r.RunID == "" {
			t.Fatalf("r=%+v", r)
		}
	}
	if dim.State != domain.StateReady || dim.URL != "act_1/ads?fields=id&limit=1000" {
		t.Fatalf("dim=%+v", dim)
	}
	if len(api.seen) != 3 || api.seen[0].Method != http.MethodPost {
		t.Fatalf("ops=%+v", api.seen)
	}
}

func TestQueue_RetriesTransientFailure(t *testing.T) {
	api := &fakeAPI{fn: func(call int, op domain.Operation) domain.Response {
		if call == 0 {
			return domain.Response{Code: 503}
		}
		return ok(`{"report_run_id":"9"}`)
	}}
	f := newFixture(t, api, 0)
	reqs := domain.Requests{insights("a")}
	if err := f.tr.Queue(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}
	if reqs[0].RunID != "9" || len(f.clk.Sleeps()) != 1 || f.clk.Sleeps()[0] != time.Second {
		t.Fatalf("run=%q sleeps=%v", reqs[0].RunID, f.clk.Sleeps())
	}
}

func TestQueue_CeilingIsFatal(t *testing.T) {
	api := &fakeAPI{fn: func(int, domain.Operation) domain.Response { return domain.Response{Code: 500} }}
	f := newFixture(t, api, 0)
	err := f.tr.Queue(context.Background(), domain.Requests{insights("a")})
	if !stderrs.Is(err, domain.ErrRetryCeiling) || domain.Classify(err) != domain.OutcomeAbandonEntity {
		t.Fatalf("got %v", err)
	}
	if api.calls != 3 {
		t.Fatalf("calls=%d", api.calls)
	}
}

func TestQueue_RuntimeBudget(t *testing.T) {
	api := &fakeAPI{fn: func(int, domain.Operation) domain.Response { return domain.Response{Code: 500} }}
	f := newFixture(t, api, 1500*time.Millisecond)
	err := f.tr.Queue(context.Background(), domain.Requests{insights("a")})
	if domain.Classify(err) != domain.OutcomeJobStop {
		t.Fatalf("got %v", err)
	}
	if api.calls != 2 {
		t.Fatalf("calls=%d", api.calls)
	}
}

func TestQueue_SuspendSkipsEntity(t *testing.T) {
	api := &fakeAPI{fn: func(int, domain.Operation) domain.Response {
		return domain.Response{Code: 400, Body: []byte(`{"error":{"message":"Ad account has been disabled"}}`)}
	}}
	parts, _ := partial.New(t.TempDir())
	ex := batch.New(api, batch.Config{Suspend: signature.New("account has been disabled")}, nil)
	tr := New(ex, parts, Config{}, nil, backoff.NewManual(time.Now()), nil)

	reqs := domain.Requests{insights("a"), insights("b")}
	err := tr.Queue(context.Background(), reqs)
	if domain.Classify(err) != domain.OutcomeSkipEntity {
		t.Fatalf("got %v", err)
	}
	if len(reqs.InState(domain.StateSkipEntity)) != 2 {
		t.Fatal("all queue peers skipped")
	}
}

func queued(id, run string) *domain.ReportRequest {
	r := insights(id)
	r.State = domain.StateQueued
	r.RunID = run
	return r
}

func TestPoll_UntilCompleted(t *testing.T) {
	api := &fakeAPI{fn: func(call int, op domain.Operation) domain.Response {
		if strings.HasPrefix(op.RelativeURL, "11?") && call == 0 {
			return ok(`{"id":"11","async_status":"Job Running","async_percent_completion":40}`)
		}
		return ok(`{"async_status":"Job Completed","async_percent_completion":100}`)
	}}
	f := newFixture(t, api, 0)
	reqs := domain.Requests{queued("a", "11"), queued("b", "12")}

	if err := f.tr.Poll(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}
	if reqs[0].State != domain.StateReady || reqs[0].URL != "11/insights?limit=1000" {
		t.Fatalf("a=%+v", reqs[0])
	}
	if api.calls != 2 || len(api.seen) != 3 {
		t.Fatalf("calls=%d ops=%d", api.calls, len(api.seen))
	}
	if len(f.clk.Sleeps()) != 1 {
		t.Fatalf("sleeps=%v", f.clk.Sleeps())
	}
}

func TestPoll_ExhaustedIsWarning(t *testing.T) {
	api := &fakeAPI{fn: func(int, domain.Operation) domain.Response {
		return ok(`{"async_status":"Job Running"}`)
	}}
	f := newFixture(t, api, 0)
	reqs := domain.Requests{queued("a", "11")}
	if err := f.tr.Poll(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}
	if reqs[0].State != domain.StateStatusCheckFailed {
		t.Fatalf("state=%s", reqs[0].State)
	}
	if domain.Classify(domain.NewWarning(reqs)) != domain.OutcomeWarning {
		t.Fatal("want warning")
	}
	// capped backoff
	for _, d := range f.clk.Sleeps() {
		if d > 5*time.Second {
			t.Fatalf("sleep %s over cap", d)
		}
	}
}

func TestPoll_FailedJobIsWarning(t *testing.T) {
	api := &fakeAPI{fn: func(int, domain.Operation) domain.Response { return ok(`{"async_status":"Job Failed"}`) }}
	f := newFixture(t, api, 0)
	reqs := domain.Requests{queued("a", "11")}
	if err := f.tr.Poll(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}
	if reqs[0].State != domain.StateStatusCheckFailed || reqs[0].Reason != "unexpected status Job Failed" {
		t.Fatalf("r=%+v", reqs[0])
	}
}

func ready(id, run string, size int) *domain.ReportRequest {
	r := queued(id, run)
	r.State = domain.StateReady
	r.PageSize = size
	r.URL = domain.FirstPageURL(r)
	return r
}

func TestDownload_FollowsCursors(t *testing.T) {
	api := &fakeAPI{fn: func(_ int, op domain.Operation) domain.Response {
		switch op.RelativeURL {
		case "11/insights?limit=1000":
			return ok(page(`{"ad_id":"1"}`, "c1"))
		case "11/insights?after=c1&limit=1000":
			return ok(page(`{"ad_id":"2"}`, ""))
		case "act_1/ads?fields=id&limit=1000":
			return ok(page(`{"id":"7"}`, ""))
		}
		return domain.Response{Code: 404}
	}}
	f := newFixture(t, api, 0)
	dim := &domain.ReportRequest{ID: "ads", Kind: domain.KindDimension, Endpoint: "act_1/ads?fields=id", PageSize: 1000, State: domain.StateReady}
	dim.URL = domain.FirstPageURL(dim)
	reqs := domain.Requests{ready("a", "11", 1000), dim}

	if err := f.tr.Download(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}
	if reqs[0].State != domain.StateDownloaded || reqs[0].Page != 2 || dim.State != domain.StateDownloaded {
		t.Fatalf("a=%+v dim=%+v", reqs[0], dim)
	}
	pages, _ := f.parts.Pages("a")
	if len(pages) != 2 {
		t.Fatalf("pages=%d", len(pages))
	}
	if reqs[0].Telemetry[domain.PhaseDownloadInsights].Calls != 2 || dim.Telemetry[domain.PhaseDownloadDimension].Calls != 1 {
		t.Fatalf("telemetry=%+v", reqs[0].Telemetry)
	}
}

func TestDownload_ReduceStepsDownAndDiscardsPartial(t *testing.T) {
	api := &fakeAPI{fn: func(_ int, op domain.Operation) domain.Response {
		if strings.Contains(op.RelativeURL, "limit=1000") {
			return domain.Response{Code: 500, Body: []byte(reduceBody)}
		}
		if op.RelativeURL == "11/insights?limit=500" {
			return ok(page(`{"ad_id":"fresh"}`, ""))
		}
		return domain.Response{Code: 404}
	}}
	f := newFixture(t, api, 0)
	r := ready("a", "11", 1000)
	_ = r.Transition(domain.StateDownloading)
	r.Page = 1
	r.URL = "11/insights?after=c1&limit=1000"
	if _, err := f.parts.Append("a", []byte(page(`{"ad_id":"stale"}`, "c1"))); err != nil {
		t.Fatal(err)
	}

	if err := f.tr.Download(context.Background(), domain.Requests{r}); err != nil {
		t.Fatal(err)
	}
	if r.PageSize != 500 || r.State != domain.StateDownloaded || r.Page != 1 {
		t.Fatalf("r=%+v", r)
	}
	pages, _ := f.parts.Pages("a")
	if len(pages) != 1 || !strings.Contains(string(pages[0]), "fresh") {
		t.Fatalf("stale partial kept: %q", pages)
	}
}

func TestDownload_SmallestSizeSkipsEntity(t *testing.T) {
	api := &fakeAPI{fn: func(int, domain.Operation) domain.Response {
		return domain.Response{Code: 500, Body: []byte(reduceBody)}
	}}
	f := newFixture(t, api, 0)
	r := ready("a", "11", 100)
	err := f.tr.Download(context.Background(), domain.Requests{r})
	if domain.Classify(err) != domain.OutcomeSkipEntity {
		t.Fatalf("got %v", err)
	}
	if r.State != domain.StateSkipEntity || api.calls != 1 {
		t.Fatalf("state=%s calls=%d", r.State, api.calls)
	}
}

func TestDownload_MalformedPageRestarts(t *testing.T) {
	api := &fakeAPI{fn: func(call int, _ domain.Operation) domain.Response {
		if call == 0 {
			return ok(`<html>gateway</html>`)
		}
		return ok(page(`{"ad_id":"1"}`, ""))
	}}
	f := newFixture(t, api, 0)
	r := ready("a", "11", 1000)
	if err := f.tr.Download(context.Background(), domain.Requests{r}); err != nil {
		t.Fatal(err)
	}
	if r.State != domain.StateDownloaded || r.RetryAttempt != 1 {
		t.Fatalf("r=%+v", r)
	}
}

func TestDownload_MalformedAtCeilingIsWarning(t *testing.T) {
	api := &fakeAPI{fn: func(int, domain.Operation) domain.Response { return ok(`not json`) }}
	f := newFixture(t, api, 0)
	reqs := domain.Requests{ready("a", "11", 1000)}
	if err := f.tr.Download(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}
	if reqs[0].State != domain.StateDownloadFailed || reqs[0].RetryAttempt != 3 || api.calls != 3 {
		t.Fatalf("state=%s attempt=%d calls=%d", reqs[0].State, reqs[0].RetryAttempt, api.calls)
	}
	if domain.NewWarning(reqs) == nil {
		t.Fatal("want warning")
	}
}

func TestDownload_PastCeilingAcrossResumesFailsEntity(t *testing.T) {
	api := &fakeAPI{fn: func(int, domain.Operation) domain.Response { return ok(`not json`) }}
	f := newFixture(t, api, 0)
	reqs := domain.Requests{ready("a", "11", 1000)}
	if err := f.tr.Download(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}

	// next run picks the request up from its snapshot
	if !reqs[0].ResetForResume() {
		t.Fatal("want partial discarded")
	}
	err := f.tr.Download(context.Background(), reqs)
	if !stderrs.Is(err, domain.ErrRetryCeiling) || domain.Classify(err) != domain.OutcomeAbandonEntity {
		t.Fatalf("got %v", err)
	}
	if reqs[0].RetryAttempt != 4 || api.calls != 4 {
		t.Fatalf("attempt=%d calls=%d", reqs[0].RetryAttempt, api.calls)
	}
	if pages, _ := f.parts.Pages("a"); len(pages) != 0 {
		t.Fatalf("partial kept: %d pages", len(pages))
	}
}
