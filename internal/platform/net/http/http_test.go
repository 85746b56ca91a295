package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	perr "adlake/internal/platform/errors"
	pnet "adlake/internal/platform/net"
	phttp "adlake/internal/platform/net/http"
)

type planIn struct {
	Entities []string `json:"entities" validate:"required,min=1"`
}

func serve(t *testing.T, r phttp.Router, method, path, body string) (*httptest.ResponseRecorder, phttp.Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(pnet.WithRequest(req.Context(), "rid-1"))
	rec := httptest.NewRecorder()
	r.Mux().ServeHTTP(rec, req)
	var env phttp.Envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func importerRoutes() phttp.Router {
	r := phttp.NewServer(":0").Router()
	r.Route("/importer", func(r phttp.Router) {
		phttp.PostJSON(r, "/plan", func(_ *http.Request, in planIn) (any, error) {
			if in.Entities[0] == "act_locked" {
				return nil, perr.Conflictf("entity %s has a run in flight", in.Entities[0])
			}
			return map[string]int{"seeded": len(in.Entities) * 3}, nil
		})
		phttp.GetJSON(r, "/runs/last", func(*http.Request) (any, error) {
			return nil, errors.New("no runs yet")
		})
	})
	return r
}

func TestJSONRoutes(t *testing.T) {
	r := importerRoutes()

	rec, env := serve(t, r, http.MethodPost, "/importer/plan", `{"entities":["act_1","act_2"]}`)
	if rec.Code != http.StatusOK || env.Status != 200 || env.RequestID != "rid-1" || env.Error != nil {
		t.Fatalf("plan: %d %+v", rec.Code, env)
	}
	if data, _ := env.Data.(map[string]any); data["seeded"] != float64(6) {
		t.Fatalf("data = %v", env.Data)
	}

	cases := []struct {
		name, method, path, body string
		status                   int
		code                     perr.ErrorCode
	}{
		{"conflict", http.MethodPost, "/importer/plan", `{"entities":["act_locked"]}`, http.StatusConflict, perr.ErrorCodeConflict},
		{"validation", http.MethodPost, "/importer/plan", `{"entities":[]}`, http.StatusBadRequest, perr.ErrorCodeValidation},
		{"bad json", http.MethodPost, "/importer/plan", `{`, http.StatusBadRequest, perr.ErrorCodeJSON},
		{"foreign error", http.MethodGet, "/importer/runs/last", "", http.StatusInternalServerError, perr.ErrorCodeUnknown},
	}
	for _, c := range cases {
		rec, env := serve(t, r, c.method, c.path, c.body)
		if rec.Code != c.status || env.Error == nil || env.Error.Code != c.code || env.Data != nil {
			t.Errorf("%s: %d %+v", c.name, rec.Code, env)
		}
	}

	if rec, _ := serve(t, r, http.MethodGet, "/importer/plan", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET plan: %d", rec.Code)
	}
}

func TestMountOps(t *testing.T) {
	healthy := true
	r := phttp.NewServer(":0").Router()
	phttp.MountOps(r, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "adlake_import_outcomes_total 1")
	}), map[string]phttp.Check{
		"store": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("pg: conn refused")
		},
	})

	if rec, env := serve(t, r, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || env.Data == nil {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
	healthy = false
	if rec, _ := serve(t, r, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "conn refused") {
		t.Fatalf("degraded: %d %s", rec.Code, rec.Body.String())
	}
	if rec, _ := serve(t, r, http.MethodGet, "/metrics", ""); !strings.Contains(rec.Body.String(), "outcomes_total") {
		t.Fatalf("metrics: %s", rec.Body.String())
	}
}

func TestMountProfiler(t *testing.T) {
	on := phttp.NewServer(":0").Router()
	phttp.MountProfiler(on, "/debug", true)
	if rec, _ := serve(t, on, http.MethodGet, "/debug/pprof/cmdline", ""); rec.Code != http.StatusOK {
		t.Fatalf("enabled: %d", rec.Code)
	}

	off := phttp.NewServer(":0").Router()
	phttp.MountProfiler(off, "/debug", false)
	if rec, _ := serve(t, off, http.MethodGet, "/debug/pprof/cmdline", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled: %d", rec.Code)
	}
}

func TestServer_RunStopsWithContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	srv := phttp.NewServer(addr)
	phttp.MountOps(srv.Router(), nil, nil)
	if srv.Addr() != addr {
		t.Fatalf("addr = %q", srv.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, time.Second) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get("http://" + addr + "/healthz"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServer_RunReportsListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := phttp.NewServer(l.Addr().String()).Run(context.Background(), time.Second); err == nil {
		t.Fatal("bound port accepted")
	}
}
