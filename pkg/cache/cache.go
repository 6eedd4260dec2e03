// Package cache keeps resource tags in process memory, backed by a shared
// object store so that many warm processes share one remote refresh.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/mosajjal/logshuttle/pkg/storage"
)

// Tags maps a resource identifier to its formatted tags.
type Tags map[string][]string

// BulkFetcher lists the tags of every resource of one kind. On a partial
// failure it returns what it gathered together with the error.
type BulkFetcher func(ctx context.Context) (Tags, error)

// PointFetcher fetches the tags of a single resource.
type PointFetcher func(ctx context.Context, id string) ([]string, error)

// Kind is the capability record that specialises the engine.
type Kind struct {
	Name         string
	Filename     string
	LockFilename string
	// Dirname holds per-resource objects for point lookups
	Dirname     string
	ShouldFetch bool
	Bulk        BulkFetcher
	Point       PointFetcher
}

// Options tunes expiry. Zero values take the defaults.
type Options struct {
	TTL     time.Duration
	LockTTL time.Duration
	// Jitter returns the extra TTL for this instance; defaults to 1..100s
	Jitter func() time.Duration
	Now    func() time.Time
}

const (
	DefaultTTL     = 300 * time.Second
	DefaultLockTTL = 60 * time.Second
)

func defaultJitter() time.Duration {
	return time.Duration(rand.IntN(100)+1) * time.Second
}

type keyEntry struct {
	tags    []string
	fetched time.Time
}

type keyObject struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

// Cache is one tag cache instance.
type Cache struct {
	kind    Kind
	store   storage.ObjectStore
	ttl     time.Duration
	lockTTL time.Duration
	now     func() time.Time

	mu          sync.Mutex
	prefix      string
	entry       Tags
	lastRefresh time.Time
	keys        map[string]keyEntry
}

// New builds a cache for kind over store.
func New(kind Kind, store storage.ObjectStore, opts Options) *Cache {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Jitter == nil {
		opts.Jitter = defaultJitter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		kind:    kind,
		store:   store,
		ttl:     opts.TTL + opts.Jitter(),
		lockTTL: opts.LockTTL,
		now:     opts.Now,
		entry:   Tags{},
		keys:    map[string]keyEntry{},
	}
}

// Name returns the kind name.
func (c *Cache) Name() string { return c.kind.Name }

// SetPrefix scopes shared objects, usually to the forwarder function name.
func (c *Cache) SetPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefix = prefix
}

func (c *Cache) withPrefix(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "_" + name
}

func (c *Cache) expired(at time.Time) bool {
	return at.IsZero() || c.now().After(at.Add(c.ttl))
}

// Get returns the tags of id, refreshing from shared storage or the remote
// API when the in-process copy is stale. It never returns an error; failures
// are logged and the last known tags are served.
func (c *Cache) Get(ctx context.Context, id string) []string {
	if !c.kind.ShouldFetch || id == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind.Bulk != nil {
		if c.expired(c.lastRefresh) {
			c.refresh(ctx)
		}
		if tags, ok := c.entry[strings.ToLower(id)]; ok {
			return tags
		}
		if c.kind.Point == nil {
			return nil
		}
	}
	return c.getPoint(ctx, id)
}

func (c *Cache) refresh(ctx context.Context) {
	c.lastRefresh = c.now()

	shared, sharedAt := c.readSnapshot(ctx)
	if !c.expired(sharedAt) {
		c.entry = shared
		return
	}

	lock := NewLock(c.store, c.withPrefix(c.kind.LockFilename), c.lockTTL, c.now)
	if !lock.Acquire(ctx) {
		if len(c.entry) == 0 && len(shared) > 0 {
			c.entry = shared
		}
		return
	}
	defer lock.Release(ctx)

	fetched, err := c.kind.Bulk(ctx)
	switch {
	case err == nil:
		c.entry = fetched
		c.writeSnapshot(ctx, fetched)
	case len(fetched) > 0:
		slog.Warn("partial tag fetch, keeping result in memory only", "cache", c.kind.Name, "error", err)
		merged := Tags{}
		base := c.entry
		if len(shared) > 0 {
			base = shared
		}
		for k, v := range base {
			merged[k] = v
		}
		for k, v := range fetched {
			merged[k] = v
		}
		c.entry = merged
	default:
		slog.Error("failed to fetch tags", "cache", c.kind.Name, "error", err)
		if len(shared) > 0 {
			c.entry = shared
		}
	}
}

func (c *Cache) readSnapshot(ctx context.Context) (Tags, time.Time) {
	obj, err := c.store.Get(ctx, c.withPrefix(c.kind.Filename))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Debug("unable to read tags snapshot", "cache", c.kind.Name, "error", err)
		}
		return Tags{}, time.Time{}
	}
	var tags Tags
	if err := json.Unmarshal(obj.Body, &tags); err != nil {
		slog.Debug("unable to decode tags snapshot", "cache", c.kind.Name, "error", err)
		return Tags{}, time.Time{}
	}
	return tags, obj.LastModified
}

func (c *Cache) writeSnapshot(ctx context.Context, tags Tags) {
	body, err := json.Marshal(tags)
	if err != nil {
		slog.Debug("unable to encode tags snapshot", "cache", c.kind.Name, "error", err)
		return
	}
	if err := c.store.Put(ctx, c.withPrefix(c.kind.Filename), body); err != nil {
		slog.Debug("unable to write tags snapshot", "cache", c.kind.Name, "error", err)
	}
}

func (c *Cache) keyPath(id string) string {
	dir := c.kind.Dirname
	if dir == "" {
		dir = c.kind.Name
	}
	return fmt.Sprintf("%s/%s/%s.json", dir, c.prefix, strings.ReplaceAll(id, "/", "_"))
}

func (c *Cache) getPoint(ctx context.Context, id string) []string {
	if e, ok := c.keys[id]; ok && !c.expired(e.fetched) {
		return e.tags
	}

	var stale []string
	if obj, err := c.store.Get(ctx, c.keyPath(id)); err == nil {
		var ko keyObject
		if err := json.Unmarshal(obj.Body, &ko); err == nil {
			if !c.expired(obj.LastModified) {
				c.keys[id] = keyEntry{tags: ko.Tags, fetched: obj.LastModified}
				return ko.Tags
			}
			stale = ko.Tags
		}
	}

	if c.kind.Point == nil {
		return stale
	}
	tags, err := c.kind.Point(ctx, id)
	if err != nil {
		slog.Error("failed to fetch tags", "cache", c.kind.Name, "resource", id, "error", err)
		if e, ok := c.keys[id]; ok {
			return e.tags
		}
		return stale
	}

	if body, err := json.Marshal(keyObject{ID: id, Tags: tags}); err == nil {
		if err := c.store.Put(ctx, c.keyPath(id), body); err != nil {
			slog.Debug("unable to write tags", "cache", c.kind.Name, "resource", id, "error", err)
		}
	}
	c.keys[id] = keyEntry{tags: tags, fetched: c.now()}
	return tags
}

// Warm loads every unexpired per-resource object into memory.
func (c *Cache) Warm(ctx context.Context) {
	if !c.kind.ShouldFetch || c.kind.Point == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := strings.TrimSuffix(c.keyPath("x"), "x.json")
	keys, err := c.store.List(ctx, dir)
	if err != nil {
		slog.Debug("unable to list cached tags", "cache", c.kind.Name, "error", err)
		return
	}
	for _, key := range keys {
		obj, err := c.store.Get(ctx, key)
		if err != nil || c.expired(obj.LastModified) {
			continue
		}
		var ko keyObject
		if err := json.Unmarshal(obj.Body, &ko); err != nil || ko.ID == "" {
			continue
		}
		c.keys[ko.ID] = keyEntry{tags: ko.Tags, fetched: obj.LastModified}
	}
}
