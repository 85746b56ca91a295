// Package reports maps a report parser tag to the code that turns one
// downloaded page into rows. Parsers register at startup; new report types
// only add an entry
package reports

import (
	"sort"
	"sync"

	perr "adlake/internal/platform/errors"
	"adlake/internal/services/importer/domain"
)

// Parser turns one downloaded page into rows
type Parser interface {
	Parse(body []byte) ([]domain.Row, error)
}

// ParserFunc adapts a function to Parser
type ParserFunc func(body []byte) ([]domain.Row, error)

// Parse calls f
func (f ParserFunc) Parse(body []byte) ([]domain.Row, error) { return f(body) }

// Registry is a concurrency safe tag to Parser map
type Registry struct {
	mu sync.RWMutex
	m  map[string]Parser
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry { return &Registry{m: map[string]Parser{}} }

// Builtin returns a registry with the insights and dimension parsers
func Builtin() *Registry {
	r := NewRegistry()
	r.MustRegister("insights", ParserFunc(ParseInsights))
	r.MustRegister("dimension", ParserFunc(ParseDimension))
	return r
}

// Register adds p under tag. Tags are unique
func (r *Registry) Register(tag string, p Parser) error {
	if tag == "" || p == nil {
		return perr.InvalidArgf("reports: empty tag or nil parser")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[tag]; dup {
		return perr.Conflictf("reports: parser %q already registered", tag)
	}
	r.m[tag] = p
	return nil
}

// MustRegister panics on a programmer error
func (r *Registry) MustRegister(tag string, p Parser) {
	if err := r.Register(tag, p); err != nil {
		panic(err)
	}
}

// Lookup returns the parser for tag
func (r *Registry) Lookup(tag string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.m[tag]
	return p, ok
}

// Tags lists registered tags in sorted order
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParsePages runs the parser for tag over every page
func (r *Registry) ParsePages(tag string, pages [][]byte) ([]domain.Row, error) {
	p, ok := r.Lookup(tag)
	if !ok {
		return nil, perr.NotFoundf("reports: no parser for %q", tag)
	}
	var rows []domain.Row
	for i, pg := range pages {
		rs, err := p.Parse(pg)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "reports: %s page %d", tag, i+1)
		}
		rows = append(rows, rs...)
	}
	return rows, nil
}
