package objectstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FS persists objects as files under a root directory.
// Writes land in a .part file first and are renamed into place
type FS struct {
	root string
}

// NewFS creates the root (dir joined with prefix) when missing
func NewFS(dir, prefix string) (*FS, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "adlake-objects")
	}
	root := filepath.Join(dir, filepath.FromSlash(strings.Trim(prefix, "/")))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

// Put implements Store
func (s *FS) Put(ctx context.Context, key string, data []byte) error {
	if err := requireKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return unavailable("put", key, err)
	}
	tmp := full + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return unavailable("put", key, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return unavailable("put", key, err)
	}
	return nil
}

// Get implements Store
func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key, err)
	}
	if err != nil {
		return nil, unavailable("get", key, err)
	}
	return b, nil
}

// Delete implements Store
func (s *FS) Delete(ctx context.Context, key string) error {
	if err := requireKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable("delete", key, err)
	}
	return nil
}

// List implements Store
func (s *FS) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(p, ".part") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if k := filepath.ToSlash(rel); strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, unavailable("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for FS
func (s *FS) Close() error { return nil }

func (s *FS) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("objectstore: key escapes root: " + key)
	}
	return filepath.Join(s.root, clean), nil
}
