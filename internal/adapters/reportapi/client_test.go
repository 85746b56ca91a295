package reportapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"adlake/internal/core/backoff"
	"adlake/internal/platform/config"
	perr "adlake/internal/platform/errors"
)

func newTestClient(url string) *Client {
	return NewClient(Options{BaseURL: url, Token: "tok", RPS: 1000, Burst: 100})
}

func TestBatch_OrderedResponses(t *testing.T) {
	var gotOps []Operation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if r.PostForm.Get("access_token") != "tok" || r.PostForm.Get("include_headers") != "true" {
			t.Errorf("form=%v", r.PostForm)
		}
		if err := json.Unmarshal([]byte(r.PostForm.Get("batch")), &gotOps); err != nil {
			t.Errorf("batch decode: %v", err)
		}
		_, _ = w.Write([]byte(`[
			{"code":200,"headers":[{"name":"X-App-Usage","value":"{\"call_count\":12}"}],"body":"{\"report_run_id\":\"r1\"}"},
			null,
			{"code":400,"headers":[],"body":"{\"error\":{\"code\":17}}"}
		]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ops := []Operation{
		{Method: http.MethodPost, RelativeURL: "act_1/insights?level=ad"},
		{Method: http.MethodGet, RelativeURL: "r0"},
		{Method: http.MethodGet, RelativeURL: "r2"},
	}
	out, err := c.Batch(context.Background(), ops)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(gotOps) != 3 || gotOps[0].RelativeURL != "act_1/insights?level=ad" {
		t.Fatalf("server saw %+v", gotOps)
	}
	if len(out) != 3 {
		t.Fatalf("len=%d", len(out))
	}
	if !out[0].OK() || string(out[0].Body) != `{"report_run_id":"r1"}` {
		t.Fatalf("out[0]=%+v", out[0])
	}
	if ParseUsage(out[0].Headers).MaxPct != 12 {
		t.Fatalf("per item headers not carried: %v", out[0].Headers)
	}
	if out[1].Code != http.StatusGatewayTimeout {
		t.Fatalf("null element should map to 504, got %d", out[1].Code)
	}
	if ErrorCode(out[2].Body) != 17 || !c.IsThrottleCode(17) {
		t.Fatal("throttle code not recognized")
	}
}

func TestBatch_EmptyIsNoop(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	out, err := c.Batch(context.Background(), nil)
	if err != nil || out != nil {
		t.Fatalf("out=%v err=%v", out, err)
	}
}

func TestBatch_OuterThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(HeaderBusinessUsage, `{"act_1":[{"type":"ads_insights","call_count":100,"estimated_time_to_regain_access":7}]}`)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"User request limit reached","code":17}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Batch(context.Background(), []Operation{{Method: "GET", RelativeURL: "x"}})
	if err == nil {
		t.Fatal("want error")
	}
	if !IsRateLimited(err) || !perr.IsCode(err, perr.ErrorCodeThrottled) || !perr.Retryable(err) {
		t.Fatalf("want throttled retryable, got %v (code %v)", err, perr.CodeOf(err))
	}
	if got := backoff.RetryAfter(err); got != 7*time.Minute {
		t.Fatalf("retry after=%v", got)
	}
}

func TestBatch_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Batch(context.Background(), []Operation{{Method: "GET", RelativeURL: "x"}})
	if !perr.IsCode(err, perr.ErrorCodeUnavailable) {
		t.Fatalf("got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("want StatusError 502, got %v", err)
	}
}

func TestBatch_ClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":190,"message":"invalid token"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Batch(context.Background(), []Operation{{Method: "GET", RelativeURL: "x"}})
	if err == nil || perr.Retryable(err) || IsRateLimited(err) {
		t.Fatalf("got %v", err)
	}
}

func TestBatch_LengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"code":200,"body":"{}"}]`))
	}))
	defer srv.Close()

	ops := []Operation{{Method: "GET", RelativeURL: "a"}, {Method: "GET", RelativeURL: "b"}}
	_, err := newTestClient(srv.URL).Batch(context.Background(), ops)
	if !perr.IsCode(err, perr.ErrorCodeUnavailable) {
		t.Fatalf("got %v", err)
	}
}

func TestBatch_TransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Batch(context.Background(), []Operation{{Method: "GET", RelativeURL: "x"}})
	if !perr.IsCode(err, perr.ErrorCodeUnavailable) {
		t.Fatalf("got %v", err)
	}
}

func TestParseUsage(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderAppUsage, `{"call_count":40,"total_cputime":12,"total_time":20}`)
	h.Set(HeaderAdAccountUsage, `{"acc_id_util_pct":96.5,"reset_time_duration":30}`)
	h.Set(HeaderInsightsUsage, `not json`)

	u := ParseUsage(h)
	if u.MaxPct != 96.5 || u.Source != HeaderAdAccountUsage {
		t.Fatalf("usage=%+v", u)
	}
	if u.RegainAccess != 30*time.Second {
		t.Fatalf("regain=%v", u.RegainAccess)
	}
	if !u.Exceeds(95) || u.Exceeds(96.5) {
		t.Fatal("exceeds is strict")
	}
	if (ParseUsage(http.Header{}) != Usage{}) {
		t.Fatal("empty headers should yield zero usage")
	}
}

func TestFromConfig(t *testing.T) {
	t.Setenv("CORE_REPORTAPI_BASE_URL", "http://api.local/v1")
	t.Setenv("CORE_REPORTAPI_THROTTLE_CODES", "4,17")
	t.Setenv("CORE_REPORTAPI_RPS", "2.5")

	o := FromConfig(config.New())
	if o.BaseURL != "http://api.local/v1" || o.RPS != 2.5 {
		t.Fatalf("opts=%+v", o)
	}
	if len(o.ThrottleCodes) != 2 || o.ThrottleCodes[1] != 17 {
		t.Fatalf("codes=%v", o.ThrottleCodes)
	}
	c := NewClient(o)
	if c.opts.BaseURL != "http://api.local/v1/" {
		t.Fatalf("base url should gain a trailing slash, got %q", c.opts.BaseURL)
	}
	if c.IsThrottleCode(32) {
		t.Fatal("32 not configured")
	}
}

func TestPage_HasNext(t *testing.T) {
	var p Page
	if err := json.Unmarshal([]byte(`{"data":[{"a":1}],"paging":{"cursors":{"after":"c2"},"next":"https://x/next"}}`), &p); err != nil {
		t.Fatal(err)
	}
	if !p.HasNext() || len(p.Data) != 1 {
		t.Fatalf("page=%+v", p)
	}
	p.Paging.Next = ""
	if p.HasNext() {
		t.Fatal("no next link means last page")
	}
}
