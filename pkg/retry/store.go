// Package retry persists payloads that could not be delivered so a later
// invocation can replay them.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mosajjal/logshuttle/pkg/models"
)

// ErrNoBackend is returned when neither a queue nor a bucket is configured.
var ErrNoBackend = errors.New("no retry storage backend configured, set DD_SQS_QUEUE_URL or DD_S3_BUCKET_NAME")

// Store keeps failed payloads per category. GetData returns payloads keyed
// by the handle DeleteData takes.
type Store interface {
	GetData(ctx context.Context, category models.Category) (map[string][]json.RawMessage, error)
	StoreData(ctx context.Context, category models.Category, items []json.RawMessage) error
	DeleteData(ctx context.Context, handle string) error
}

const retryKeyword = "retry"

// AddRetryTag marks a serialized record as replayed. Records that are not
// JSON objects are returned unchanged.
func AddRetryTag(item json.RawMessage) json.RawMessage {
	var record map[string]any
	if err := json.Unmarshal(item, &record); err != nil || record == nil {
		slog.Warn("cannot add retry tag", "item", string(item))
		return item
	}
	existing, _ := record[models.FieldTags].(string)
	record[models.FieldTags] = existing + "," + retryKeyword + ":true"
	out, err := json.Marshal(record)
	if err != nil {
		return item
	}
	return out
}
