// Package http serves the importer's ops listener: health, metrics, pprof and
// the importer's JSON status routes, all on one chi mux
package http

import (
	"net/http"

	"adlake/internal/platform/net/http/bind"

	"github.com/go-chi/chi/v5"
)

// Handler is a plain handler func
type Handler = func(http.ResponseWriter, *http.Request)

// Router is what modules mount routes on
type Router interface {
	Get(path string, h Handler)
	Post(path string, h Handler)
	Handle(path string, h http.Handler)
	Route(prefix string, fn func(Router))
	Mux() http.Handler
}

type chiRouter struct{ r chi.Router }

// AdaptChi exposes a chi router as a Router
func AdaptChi(r chi.Router) Router { return chiRouter{r: r} }

func (c chiRouter) Get(path string, h Handler)         { c.r.Get(path, h) }
func (c chiRouter) Post(path string, h Handler)        { c.r.Post(path, h) }
func (c chiRouter) Handle(path string, h http.Handler) { c.r.Handle(path, h) }
func (c chiRouter) Mux() http.Handler                  { return c.r }

func (c chiRouter) Route(prefix string, fn func(Router)) {
	c.r.Route(prefix, func(sub chi.Router) { fn(chiRouter{r: sub}) })
}

// GetJSON mounts fn on GET path; its result becomes the envelope's data
func GetJSON(r Router, path string, fn func(*http.Request) (any, error)) {
	r.Get(path, Handle(func(req *http.Request) Response {
		return result(fn(req))
	}))
}

// PostJSON decodes and validates a T from the body before calling fn
func PostJSON[T any](r Router, path string, fn func(*http.Request, T) (any, error)) {
	r.Post(path, Handle(func(req *http.Request) Response {
		in, err := bind.ParseJSON[T](req)
		if err != nil {
			return Error(err)
		}
		return result(fn(req, in))
	}))
}

func result(v any, err error) Response {
	if err != nil {
		return Error(err)
	}
	return OK(v)
}
