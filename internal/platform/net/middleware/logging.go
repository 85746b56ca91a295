package middleware

import (
	"net/http"
	"time"

	"adlake/internal/platform/logger"
)

// SlowRequest is where AccessLog moves from debug to warn
var SlowRequest = 500 * time.Millisecond

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AccessLog records one line per request. Scrapes and health checks land at
// debug; slow or failing requests at warn
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		t0 := time.Now()
		next.ServeHTTP(sw, r)
		took := time.Since(t0)

		log := logger.C(r.Context())
		ev := log.Debug()
		if took >= SlowRequest || sw.status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", sw.status).Dur("took", took).Msg("ops request")
	})
}
