package middleware

import (
	stdhttp "net/http"
	"runtime/debug"

	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	pnet "adlake/internal/platform/net"
	phttp "adlake/internal/platform/net/http"
)

// RecoverJSON turns a panic into the standard error envelope with a panic
// code and logs the stack
func RecoverJSON(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == stdhttp.ErrAbortHandler {
				panic(v)
			}
			reqID := pnet.RequestID(r.Context())
			logger.Named("ops").Error().
				Str("request_id", reqID).
				Str("path", r.URL.Path).
				Interface("panic", v).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")
			if reqID != "" {
				w.Header().Set("X-Request-ID", reqID)
			}
			phttp.WriteError(w, r, perr.PanicErrf("%s %s panicked", r.Method, r.URL.Path))
		}()
		next.ServeHTTP(w, r)
	})
}
