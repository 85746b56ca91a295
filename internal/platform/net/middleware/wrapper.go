// Package middleware holds the ops listener's middleware chain
package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestTimeout caps one ops request, /debug/pprof/profile included
const RequestTimeout = 30 * time.Second

// Ops is the chain for the health, metrics and status listener, outermost
// first. /ping answers before anything else runs
func Ops() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chimw.Heartbeat("/ping"),
		chimw.RealIP,
		chimw.RequestID,
		RecoverJSON,
		AccessLog,
		chimw.Timeout(RequestTimeout),
		chimw.NoCache,
	}
}
