// Package objectstore is a small key/value seam over object storage.
// Backends: s3 (aws-sdk-go-v2), minio (minio-go), badger (embedded) and fs (local disk)
package objectstore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"adlake/internal/platform/config"
	perr "adlake/internal/platform/errors"
)

// Store is what snapshot and vault persistence need from a bucket
type Store interface {
	// Put writes data at key, replacing any previous object
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object or an error coded ErrorCodeNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key; a missing key is not an error
	Delete(ctx context.Context, key string) error
	// List returns keys under prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Backend names accepted by Open
const (
	BackendS3     = "s3"
	BackendMinio  = "minio"
	BackendBadger = "badger"
	BackendFS     = "fs"
)

// Config selects and configures a backend
type Config struct {
	Backend   string
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// Dir is the root for fs and the data directory for badger
	Dir string
	// InMemory runs badger without disk (tests)
	InMemory bool
}

// FromConfig reads CORE_OBJECTSTORE_* with the backend chosen by the caller
func FromConfig(cfg config.Conf, backend string) Config {
	c := cfg.Prefix("CORE_OBJECTSTORE_")
	return Config{
		Backend:   backend,
		Bucket:    c.MayString("BUCKET", ""),
		Prefix:    c.MayString("PREFIX", "adlake"),
		Region:    c.MayString("REGION", ""),
		Endpoint:  c.MayString("ENDPOINT", ""),
		AccessKey: c.MayString("ACCESS_KEY", ""),
		SecretKey: c.MayString("SECRET_KEY", ""),
		UseSSL:    c.MayBool("USE_SSL", true),
		Dir:       c.MayString("DIR", ".adlake/objects"),
	}
}

// Open builds the configured backend
func Open(ctx context.Context, c Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case BackendS3:
		return NewS3(ctx, c)
	case BackendMinio:
		return NewMinio(c)
	case BackendBadger:
		return NewBadger(c)
	case BackendFS, "":
		return NewFS(c.Dir, c.Prefix)
	default:
		return nil, perr.InvalidArgf("objectstore: unknown backend %q", c.Backend)
	}
}

// IsNotFound reports whether err marks a missing object
func IsNotFound(err error) bool { return perr.IsCode(err, perr.ErrorCodeNotFound) }

func notFound(key string, cause error) error {
	return perr.Wrapf(cause, perr.ErrorCodeNotFound, "objectstore: %s not found", key)
}

func unavailable(op, key string, cause error) error {
	return perr.Wrapf(cause, perr.ErrorCodeUnavailable, "objectstore: %s %s", op, key)
}

func objectKey(prefix string, parts ...string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{prefix}, parts...)...)
}

func requireKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return perr.InvalidArgf("objectstore: empty key")
	}
	return nil
}

func stripPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

func requireBucket(c Config) error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("objectstore: %s bucket is required", c.Backend)
	}
	return nil
}
