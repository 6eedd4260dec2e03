package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Object is a stored blob and its modification time.
type Object struct {
	Body         []byte
	LastModified time.Time
}

// ObjectStore is the key/value and listing surface the caches and the retry
// store need from shared storage.
type ObjectStore interface {
	// Get returns ErrNotFound when key is absent
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, body []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every key under prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver keeps a copy of forwarded payloads.
type Archiver interface {
	Archive(ctx context.Context, items [][]byte) error
}

// StorageConfig locates a bucket, either by name or by URL.
type StorageConfig struct {
	Bucket string
	// URL is a virtual-hosted or path-style bucket URL, optionally with a key prefix
	URL          string
	UsePathStyle bool
}
