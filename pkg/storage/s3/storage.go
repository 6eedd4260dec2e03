package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/mosajjal/logshuttle/pkg/storage"
)

// API is the subset of the S3 client used here.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Storage implements storage.ObjectStore and storage.Archiver on one bucket.
type Storage struct {
	client    API
	bucket    string
	keyPrefix string
	now       func() time.Time
}

// NewClient builds an S3 client, path-style when requested (VPC endpoints).
func NewClient(awsCfg aws.Config, usePathStyle bool) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
}

// NewStorage creates a bucket-scoped store from a bucket name or URL.
func NewStorage(cfg storage.StorageConfig, client API) (*Storage, error) {
	bucket, keyPrefix := cfg.Bucket, ""
	if cfg.URL != "" {
		var err error
		bucket, keyPrefix, err = ParseBucketURL(cfg.URL)
		if err != nil {
			return nil, err
		}
	}
	if bucket == "" {
		return nil, errors.New("no bucket configured")
	}
	return &Storage{client: client, bucket: bucket, keyPrefix: keyPrefix, now: time.Now}, nil
}

// ParseBucketURL splits a virtual-hosted or path-style S3 URL into bucket and
// key prefix.
func ParseBucketURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URL: %w", err)
	}

	bucket, keyPrefix := "", ""
	switch {
	case u.Scheme == "s3":
		bucket = u.Host
		keyPrefix = strings.Trim(u.Path, "/")
	case strings.Contains(u.Host, ".s3.") || strings.Contains(u.Host, ".s3-"):
		// bucket.s3.region.amazonaws.com
		bucket = strings.Split(u.Host, ".")[0]
		keyPrefix = strings.Trim(u.Path, "/")
	default:
		// s3.region.amazonaws.com/bucket
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		bucket = parts[0]
		if len(parts) > 1 {
			keyPrefix = parts[1]
		}
	}

	if bucket == "" {
		return "", "", fmt.Errorf("could not parse bucket name from URL: %s", raw)
	}
	return bucket, keyPrefix, nil
}

// Bucket returns the bucket name.
func (s *Storage) Bucket() string { return s.bucket }

func (s *Storage) fullKey(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return path.Join(s.keyPrefix, key)
}

func (s *Storage) Get(ctx context.Context, key string) (*storage.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	obj := &storage.Object{Body: body}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}
	return obj, nil
}

func (s *Storage) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// List returns keys relative to the store prefix.
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.keyPrefix != "" {
				key = strings.TrimPrefix(strings.TrimPrefix(key, s.keyPrefix), "/")
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Archive writes items as gzipped NDJSON under an hourly partition.
func (s *Storage) Archive(ctx context.Context, items [][]byte) error {
	var buf bytes.Buffer
	gz, _ := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	for _, item := range items {
		if _, err := gz.Write(item); err != nil {
			return fmt.Errorf("failed to write to gzip: %w", err)
		}
		gz.Write([]byte("\n"))
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to close gzip: %w", err)
	}

	now := s.now().UTC()
	key := fmt.Sprintf("%d/%02d/%02d/%02d/%s-%s.json.gz",
		now.Year(),
		now.Month(),
		now.Day(),
		now.Hour(),
		now.Format("2006-01-02T15:04:05.000Z"),
		uuid.New().String(),
	)
	if err := s.Put(ctx, key, buf.Bytes()); err != nil {
		return err
	}
	slog.Debug("archived batch", "count", len(items), "bucket", s.bucket, "key", s.fullKey(key))
	return nil
}

// Reader opens arbitrary source objects.
type Reader struct {
	client API
}

// NewReader wraps client.
func NewReader(client API) *Reader {
	return &Reader{client: client}
}

// Open streams the body of bucket/key. The caller closes it.
func (r *Reader) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
