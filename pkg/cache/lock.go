package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mosajjal/logshuttle/pkg/storage"
)

// Lock is an advisory lease backed by a marker object. The marker is valid
// while its modification time is within ttl; no owner is recorded.
type Lock struct {
	store storage.ObjectStore
	key   string
	ttl   time.Duration
	now   func() time.Time
}

// NewLock returns a lock on key.
func NewLock(store storage.ObjectStore, key string, ttl time.Duration, now func() time.Time) *Lock {
	if now == nil {
		now = time.Now
	}
	return &Lock{store: store, key: key, ttl: ttl, now: now}
}

// Acquire writes the marker unless a fresh one exists.
func (l *Lock) Acquire(ctx context.Context) bool {
	obj, err := l.store.Get(ctx, l.key)
	switch {
	case err == nil:
		if !l.now().After(obj.LastModified.Add(l.ttl)) {
			slog.Debug("cache lock held elsewhere", "key", l.key)
			return false
		}
	case !errors.Is(err, storage.ErrNotFound):
		slog.Debug("unable to read cache lock", "key", l.key, "error", err)
	}

	if err := l.store.Put(ctx, l.key, []byte(uuid.NewString())); err != nil {
		slog.Debug("unable to write cache lock", "key", l.key, "error", err)
		return false
	}
	return true
}

// Release deletes the marker. Failures are logged; the marker expires anyway.
func (l *Lock) Release(ctx context.Context) {
	if err := l.store.Delete(ctx, l.key); err != nil {
		slog.Debug("unable to release cache lock", "key", l.key, "error", err)
	}
}
