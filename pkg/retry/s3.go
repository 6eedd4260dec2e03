package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/storage"
)

// DefaultRetryPath is the root of retry objects in the bucket.
const DefaultRetryPath = "failed_events"

const lockName = "lock"

// S3Store keeps one object per stored payload under
// <root>/<function prefix>/<category>/<timestamp>.
type S3Store struct {
	store          storage.ObjectStore
	root           string
	functionPrefix string
	now            func() time.Time
}

// NewS3Store returns a store scoped to functionPrefix.
func NewS3Store(store storage.ObjectStore, root, functionPrefix string) *S3Store {
	if root == "" {
		root = DefaultRetryPath
	}
	return &S3Store{store: store, root: root, functionPrefix: functionPrefix, now: time.Now}
}

func (s *S3Store) keyPrefix(category models.Category) string {
	return fmt.Sprintf("%s/%s/%s/", s.root, s.functionPrefix, category)
}

func (s *S3Store) GetData(ctx context.Context, category models.Category) (map[string][]json.RawMessage, error) {
	prefix := s.keyPrefix(category)
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry keys for prefix %s: %w", prefix, err)
	}

	data := make(map[string][]json.RawMessage, len(keys))
	for _, key := range keys {
		if strings.TrimPrefix(key, prefix) == lockName {
			continue
		}
		obj, err := s.store.Get(ctx, key)
		if err != nil {
			slog.Error("failed to fetch retry data", "key", key, "error", err)
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(obj.Body, &items); err != nil {
			slog.Error("failed to deserialize retry data", "key", key, "error", err)
			continue
		}
		data[key] = items
	}
	slog.Debug("found retry keys", "category", category, "count", len(data))
	return data, nil
}

func (s *S3Store) StoreData(ctx context.Context, category models.Category, items []json.RawMessage) error {
	body, err := json.Marshal(items)
	if err != nil {
		return err
	}
	key := s.keyPrefix(category) + strconv.FormatInt(s.now().UnixNano(), 10)
	if err := s.store.Put(ctx, key, body); err != nil {
		return fmt.Errorf("failed to store retry data for %s: %w", category, err)
	}
	return nil
}

func (s *S3Store) DeleteData(ctx context.Context, handle string) error {
	if err := s.store.Delete(ctx, handle); err != nil {
		slog.Error("failed to delete retry data", "key", handle, "error", err)
	}
	return nil
}
