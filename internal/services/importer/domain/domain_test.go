package domain

import (
	"encoding/json"
	stderrs "errors"
	"fmt"
	"testing"
	"time"

	"adlake/internal/core/backoff"
	perr "adlake/internal/platform/errors"
)

func TestTransition_TableIsEnforced(t *testing.T) {
	tests := []struct {
		from, to ReportState
		ok       bool
	}{
		{StateCreated, StateQueued, true},
		{StateCreated, StateDownloaded, false},
		{StateQueued, StatePolling, true},
		{StatePolling, StatePolling, true},
		{StatePolling, StateReady, true},
		{StateReady, StateDownloading, true},
		{StateDownloading, StateDownloading, true},
		{StateDownloading, StateDownloaded, true},
		{StateDownloaded, StateStaged, true},
		{StateDownloaded, StateReady, false},
		{StateRetryPageSize, StateReady, true},
		{StateRetryPageSize, StateDownloaded, false},
		{StateStaged, StateSkipEntity, false},
		{StateSkipEntity, StateReady, false},
		{StatePolling, StateSkipEntity, true},
		{StateCreated, StateSkipEntity, true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			r := &ReportRequest{ID: "r", State: tc.from}
			err := r.Transition(tc.to)
			if tc.ok && err != nil {
				t.Fatalf("want ok, got %v", err)
			}
			if !tc.ok {
				if !stderrs.Is(err, ErrIllegalTransition) {
					t.Fatalf("want illegal transition, got %v", err)
				}
				if r.State != tc.from {
					t.Fatal("state changed on rejected transition")
				}
			}
		})
	}
}

func TestTransition_RetryPageSizeRemembersResume(t *testing.T) {
	r := &ReportRequest{State: StatePolling}
	if err := r.Transition(StateRetryPageSize); err != nil {
		t.Fatal(err)
	}
	if r.Resume != StatePolling {
		t.Fatalf("resume=%s", r.Resume)
	}
	r = &ReportRequest{State: StateDownloading}
	_ = r.Transition(StateRetryPageSize)
	if r.Resume != StateReady {
		t.Fatalf("resume=%s", r.Resume)
	}
}

func TestAssignRunID_Immutable(t *testing.T) {
	r := &ReportRequest{ID: "r"}
	if err := r.AssignRunID(""); err == nil {
		t.Fatal("empty run id accepted")
	}
	if err := r.AssignRunID("run-1"); err != nil {
		t.Fatal(err)
	}
	if r.State != StateQueued || r.RunID != "run-1" {
		t.Fatalf("r=%+v", r)
	}
	if err := r.AssignRunID("run-2"); !stderrs.Is(err, ErrIllegalTransition) {
		t.Fatalf("reassign: %v", err)
	}
	if r.RunID != "run-1" {
		t.Fatal("run id changed")
	}
}

func TestSkip_TerminalIsSticky(t *testing.T) {
	r := &ReportRequest{State: StateStaged}
	r.Skip("late")
	if r.State != StateStaged {
		t.Fatal("staged request was skipped")
	}
	r = &ReportRequest{State: StateReady}
	r.Skip("suspended")
	if r.State != StateSkipEntity || r.Reason != "suspended" {
		t.Fatalf("r=%+v", r)
	}
	if err := r.Transition(StateReady); err == nil {
		t.Fatal("skip entity must be terminal")
	}
}

func TestResetForResume(t *testing.T) {
	dl := &ReportRequest{Kind: KindInsights, RunID: "99", PageSize: 500, State: StateDownloading, Page: 3, URL: "99/insights?after=c3&limit=500"}
	if !dl.ResetForResume() {
		t.Fatal("downloading should discard partial")
	}
	if dl.State != StateReady || dl.Page != 0 || dl.URL != "99/insights?limit=500" {
		t.Fatalf("dl=%+v", dl)
	}

	rps := &ReportRequest{Kind: KindDimension, Endpoint: "act_1/ads?fields=id", PageSize: 250, State: StatePolling}
	_ = rps.Transition(StateRetryPageSize)
	rps.ResetForResume()
	if rps.State != StatePolling {
		t.Fatalf("rps=%s", rps.State)
	}
	if rps.URL != "act_1/ads?fields=id&limit=250" {
		t.Fatalf("url=%q", rps.URL)
	}

	scf := &ReportRequest{RunID: "7", State: StateStatusCheckFailed, Reason: "Job Failed"}
	if scf.ResetForResume() {
		t.Fatal("status failure has no partial")
	}
	if scf.State != StateCreated || scf.RunID != "" {
		t.Fatalf("scf=%+v", scf)
	}

	ready := &ReportRequest{State: StateReady, URL: "keep"}
	ready.ResetForResume()
	if ready.State != StateReady || ready.URL != "keep" {
		t.Fatal("ready requests are untouched")
	}
}

func TestReportState_JSONByName(t *testing.T) {
	in := Requests{{ID: "a", State: StateRetryPageSize, Resume: StateReady}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Requests
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out[0].State != StateRetryPageSize || out[0].Resume != StateReady {
		t.Fatalf("out=%+v", out[0])
	}
	var s ReportState
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Fatal("unknown name accepted")
	}
}

func TestRequests_Helpers(t *testing.T) {
	rs := Requests{
		{ID: "a", State: StateReady},
		{ID: "b", State: StateDownloadFailed, Reason: "bad json"},
		{ID: "c", State: StateSkipEntity},
	}
	if len(rs.InState(StateReady, StateSkipEntity)) != 2 || !rs.AnySkipped() {
		t.Fatal("filters")
	}
	w := NewWarning(rs)
	var we *WarningError
	if !stderrs.As(w, &we) || len(we.Reports) != 1 || we.Reports[0] != "b" {
		t.Fatalf("warning=%v", w)
	}
	if NewWarning(rs[:1]) != nil {
		t.Fatal("no warnings expected")
	}

	rs[0].Record(PhaseQueue, time.Second, 10)
	c := rs.Clone()
	c[0].State = StateStaged
	c[0].Record(PhaseQueue, time.Second, 5)
	if rs[0].State != StateReady || rs[0].Telemetry[PhaseQueue].Bytes != 10 {
		t.Fatal("clone aliases original")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeComplete},
		{"runtime", backoff.ErrRuntimeExceeded, OutcomeJobStop},
		{"runtime wrapped", fmt.Errorf("poll: %w", ErrRuntimeExceeded), OutcomeJobStop},
		{"skip", perr.Wrapf(ErrSkipEntity, perr.ErrorCodeEntitySkipped, "report x"), OutcomeSkipEntity},
		{"ceiling", perr.Wrapf(ErrRetryCeiling, perr.ErrorCodeRetryCeiling, "report y"), OutcomeAbandonEntity},
		{"warning", &WarningError{Reports: []string{"a"}}, OutcomeWarning},
		{"other", perr.Unavailablef("down"), OutcomeError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestURLHelpers(t *testing.T) {
	if got := NextPageURL("9/insights?limit=500", "abc"); got != "9/insights?after=abc&limit=500" {
		t.Fatalf("next=%q", got)
	}
	if got := WithPageSize("9/insights?after=abc&limit=500", 250); got != "9/insights?limit=250" {
		t.Fatalf("resize=%q", got)
	}
	if got := WithParam("act_1/insights", "level", "ad"); got != "act_1/insights?level=ad" {
		t.Fatalf("param=%q", got)
	}
}

func TestQueueItem_Range(t *testing.T) {
	d := time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC)
	q := QueueItem{FileDate: d}
	r := q.Range()
	if !r.Since.Equal(r.Until) || r.Since.Hour() != 0 || r.Days() != 1 {
		t.Fatalf("range=%+v", r)
	}
	q.Window = DateRange{Since: d.AddDate(0, 0, -27), Until: d}
	if q.Range().Days() != 28 {
		t.Fatalf("days=%d", q.Range().Days())
	}
}

func TestSummary_Finalize(t *testing.T) {
	s := Summary{}
	s.Finalize()
	if s.Status != RunSuccess {
		t.Fatal(s.Status)
	}
	s.Warnings = 1
	s.Finalize()
	if s.Status != RunWarning {
		t.Fatal(s.Status)
	}
	s.Errors = 1
	s.Finalize()
	if s.Status != RunFailed {
		t.Fatal(s.Status)
	}
}

func TestNextPageSize(t *testing.T) {
	ladder := []int{1000, 500, 250}
	tests := []struct {
		cur  int
		want int
		ok   bool
	}{
		{1000, 500, true},
		{600, 500, true},
		{250, 0, false},
		{25, 0, false},
	}
	for _, tc := range tests {
		got, ok := NextPageSize(ladder, tc.cur)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NextPageSize(%d)=%d,%v", tc.cur, got, ok)
		}
	}
}
