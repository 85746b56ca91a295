package http

import (
	"encoding/json"
	stdhttp "net/http"

	perr "adlake/internal/platform/errors"
	pnet "adlake/internal/platform/net"
)

// Envelope wraps every ops response body
type Envelope struct {
	Status    int        `json:"status"`
	RequestID string     `json:"request_id,omitempty"`
	Error     *perr.Wire `json:"error,omitempty"`
	Data      any        `json:"data,omitempty"`
}

// Response is returned by Handle funcs. A Body that is an error is rendered
// through its code
type Response struct {
	Status int
	Body   any
}

func OK(data any) Response { return Response{Status: stdhttp.StatusOK, Body: data} }

func Error(err error) Response { return Response{Body: err} }

// Handle adapts a Response returning func to a handler
func Handle(fn func(*stdhttp.Request) Response) Handler {
	return func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		resp := fn(r)
		if err, ok := resp.Body.(error); ok {
			WriteError(w, r, err)
			return
		}
		status := resp.Status
		if status == 0 {
			status = stdhttp.StatusOK
		}
		write(w, status, Envelope{Status: status, RequestID: pnet.RequestID(r.Context()), Data: resp.Body})
	}
}

// WriteError renders err with the status its code maps to
func WriteError(w stdhttp.ResponseWriter, r *stdhttp.Request, err error) {
	status := perr.HTTPStatus(err)
	wire := perr.WireFrom(err)
	write(w, status, Envelope{Status: status, RequestID: pnet.RequestID(r.Context()), Error: &wire})
}

func write(w stdhttp.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
