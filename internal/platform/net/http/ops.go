package http

import (
	"context"
	stdhttp "net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Check is one named readiness dependency, e.g. the store ping
type Check func(ctx context.Context) error

// HealthTimeout bounds all checks of one /healthz request
const HealthTimeout = 3 * time.Second

// MountOps mounts /healthz and, when metrics is set, /metrics. Health
// answers 503 listing each failing check
func MountOps(r Router, metrics stdhttp.Handler, checks map[string]Check) {
	r.Get("/healthz", Handle(func(req *stdhttp.Request) Response {
		ctx, cancel := context.WithTimeout(req.Context(), HealthTimeout)
		defer cancel()
		failed := map[string]string{}
		for name, c := range checks {
			if err := c(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			return Response{Status: stdhttp.StatusServiceUnavailable, Body: map[string]any{"status": "degraded", "failed": failed}}
		}
		return OK(map[string]any{"status": "ok"})
	}))
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
}

// MountProfiler serves net/http/pprof under prefix + "/pprof/"
func MountProfiler(r Router, prefix string, enabled bool) {
	if enabled {
		r.Handle(prefix+"/*", stdhttp.StripPrefix(prefix, chimw.Profiler()))
	}
}
