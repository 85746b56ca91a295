package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 stores objects in an AWS S3 (or S3 compatible) bucket
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 loads the default AWS credential chain and prepares a client
func NewS3(ctx context.Context, c Config) (*S3, error) {
	if err := requireBucket(c); err != nil {
		return nil, err
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(c.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: c.Bucket, prefix: c.Prefix}, nil
}

// Put implements Store
func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	if err := requireKey(key); err != nil {
		return err
	}
	full := objectKey(s.prefix, key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &full,
		Body:        bytes.NewReader(data),
		ContentType: ptr("application/json"),
	})
	if err != nil {
		return unavailable("put", full, err)
	}
	return nil
}

// Get implements Store
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	full := objectKey(s.prefix, key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &full})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, notFound(full, err)
		}
		return nil, unavailable("get", full, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, unavailable("read", full, err)
	}
	return b, nil
}

// Delete implements Store
func (s *S3) Delete(ctx context.Context, key string) error {
	if err := requireKey(key); err != nil {
		return err
	}
	full := objectKey(s.prefix, key)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &full}); err != nil {
		return unavailable("delete", full, err)
	}
	return nil
}

// List implements Store
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	full := objectKey(s.prefix, prefix)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &full})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, unavailable("list", full, err)
		}
		for _, o := range page.Contents {
			keys = append(keys, stripPrefix(s.prefix, aws.ToString(o.Key)))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for S3
func (s *S3) Close() error { return nil }

func ptr[T any](v T) *T {
	return &v
}
