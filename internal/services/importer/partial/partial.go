// Package partial keeps downloaded pages on local disk until a report is staged.
// One <id>.part file per request, one compact JSON page per line
package partial

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	perr "adlake/internal/platform/errors"
)

// Store is a directory of .part files
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates dir when missing
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, perr.InvalidArgf("partial: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "partial: mkdir %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory
func (s *Store) Dir() string { return s.dir }

// Append adds one page and returns the bytes written
func (s *Store) Append(id string, page []byte) (int, error) {
	var line bytes.Buffer
	if err := json.Compact(&line, page); err != nil {
		return 0, perr.Wrapf(err, perr.ErrorCodeJSON, "partial: page for %s is not json", id)
	}
	line.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, perr.Wrapf(err, perr.ErrorCodeUnavailable, "partial: open %s", id)
	}
	n, werr := f.Write(line.Bytes())
	cerr := f.Close()
	if werr != nil {
		return n, perr.Wrapf(werr, perr.ErrorCodeUnavailable, "partial: write %s", id)
	}
	if cerr != nil {
		return n, perr.Wrapf(cerr, perr.ErrorCodeUnavailable, "partial: close %s", id)
	}
	return n, nil
}

// Pages reads back every page in append order. A missing file has no pages
func (s *Store) Pages(id string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "partial: open %s", id)
	}
	defer func() { _ = f.Close() }()

	var out [][]byte
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			out = append(out, bytes.TrimRight(line, "\n"))
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "partial: read %s", id)
		}
	}
}

// Delete removes the file; a missing file is fine
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "partial: delete %s", id)
	}
	return nil
}

// Size reports the on disk size of a request's pages
func (s *Store) Size(id string) int64 {
	fi, err := os.Stat(s.path(id))
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, safeName(id)+".part")
}

// safeName escapes id into a single path element. The escaping is reversible,
// so distinct ids never share a file
func safeName(id string) string { return url.QueryEscape(id) }
