// Package logger holds the process root zerolog logger and the run, entity
// and queue item fields carried on a context through an import
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger is the logger type every package takes
type Logger = zerolog.Logger

// Options shape the root logger
type Options struct {
	// Level is a zerolog level name; "warning" is accepted. Unknown is info
	Level string
	// Format is "json" or "console"
	Format  string
	Service string
	Caller  bool
	Writer  io.Writer
}

var root atomic.Pointer[Logger]

func init() {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New builds a logger without installing it
func New(opt Options) Logger {
	w := opt.Writer
	if w == nil {
		w = os.Stderr
	}
	if opt.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	c := zerolog.New(w).Level(level(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		c = c.Str("service", opt.Service)
	}
	if opt.Caller {
		c = c.Caller()
	}
	return c.Logger()
}

func level(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	l, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return l
}

// Init installs the root logger. A later call replaces it
func Init(opt Options) {
	l := New(opt)
	root.Store(&l)
}

// Get returns the root logger, installing a json info logger on first use
// when Init was never called
func Get() *Logger {
	if l := root.Load(); l != nil {
		return l
	}
	l := New(Options{})
	root.CompareAndSwap(nil, &l)
	return root.Load()
}

// Named returns a child of the root tagged with component
func Named(component string) *Logger {
	l := Get().With().Str("component", component).Logger()
	return &l
}

type fieldsKey struct{}

// fields are the import coordinates a context may carry
type fields struct {
	run, entity, item string
}

func annotate(ctx context.Context, set func(*fields)) context.Context {
	f, _ := ctx.Value(fieldsKey{}).(fields)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithJob tags ctx with the job run id
func WithJob(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return annotate(ctx, func(f *fields) { f.run = runID })
}

// WithEntity tags ctx with the advertiser account being imported
func WithEntity(ctx context.Context, entityID string) context.Context {
	if entityID == "" {
		return ctx
	}
	return annotate(ctx, func(f *fields) { f.entity = entityID })
}

// WithQueueItem tags ctx with the queue item being processed
func WithQueueItem(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return annotate(ctx, func(f *fields) { f.item = id })
}

// C returns the root logger with whatever ctx carries as job_run_id,
// entity_id and queue_item
func C(ctx context.Context) *Logger {
	f, _ := ctx.Value(fieldsKey{}).(fields)
	c := Get().With()
	if f.run != "" {
		c = c.Str("job_run_id", f.run)
	}
	if f.entity != "" {
		c = c.Str("entity_id", f.entity)
	}
	if f.item != "" {
		c = c.Str("queue_item", f.item)
	}
	l := c.Logger()
	return &l
}
