package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio stores objects through the minio-go SDK
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio builds a client from endpoint and static credentials
func NewMinio(c Config) (*Minio, error) {
	if err := requireBucket(c); err != nil {
		return nil, err
	}
	if c.Endpoint == "" {
		return nil, unavailable("open", "minio", errMissing("endpoint"))
	}
	endpoint, secure := c.Endpoint, c.UseSSL
	if u, err := url.Parse(c.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: secure,
		Region: c.Region,
	})
	if err != nil {
		return nil, unavailable("open", endpoint, err)
	}
	return &Minio{client: client, bucket: c.Bucket, prefix: c.Prefix}, nil
}

// Put implements Store
func (m *Minio) Put(ctx context.Context, key string, data []byte) error {
	if err := requireKey(key); err != nil {
		return err
	}
	full := objectKey(m.prefix, key)
	_, err := m.client.PutObject(ctx, m.bucket, full, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return m.classify("put", full, err)
	}
	return nil
}

// Get implements Store
func (m *Minio) Get(ctx context.Context, key string) ([]byte, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	full := objectKey(m.prefix, key)
	obj, err := m.client.GetObject(ctx, m.bucket, full, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.classify("get", full, err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.classify("get", full, err)
	}
	return b, nil
}

// Delete implements Store
func (m *Minio) Delete(ctx context.Context, key string) error {
	if err := requireKey(key); err != nil {
		return err
	}
	full := objectKey(m.prefix, key)
	if err := m.client.RemoveObject(ctx, m.bucket, full, minio.RemoveObjectOptions{}); err != nil {
		if IsNotFound(m.classify("delete", full, err)) {
			return nil
		}
		return m.classify("delete", full, err)
	}
	return nil
}

// List implements Store
func (m *Minio) List(ctx context.Context, prefix string) ([]string, error) {
	full := objectKey(m.prefix, prefix)
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if obj.Err != nil {
			return nil, m.classify("list", full, obj.Err)
		}
		keys = append(keys, stripPrefix(m.prefix, obj.Key))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for minio
func (m *Minio) Close() error { return nil }

func (m *Minio) classify(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return notFound(key, err)
	}
	return unavailable(op, key, err)
}

type errMissing string

func (e errMissing) Error() string { return string(e) + " is required" }
