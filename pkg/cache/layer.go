package cache

import (
	"context"

	"github.com/mosajjal/logshuttle/pkg/storage"
)

// Shared object names.
const (
	LambdaFilename            = "cache.json"
	LambdaLockFilename        = "cache.lock"
	S3Filename                = "s3-cache.json"
	S3LockFilename            = "s3-cache.lock"
	StepFunctionsFilename     = "step-functions-cache.json"
	StepFunctionsLockFilename = "step-functions-cache.lock"
	StepFunctionsDirname      = "step-functions-cache"
	LogGroupDirname           = "log-group-cache"
)

// LayerConfig selects which kinds fetch tags and wires their remote APIs.
type LayerConfig struct {
	FetchLambda        bool
	FetchS3            bool
	FetchStepFunctions bool
	FetchLogGroup      bool

	Tagging TaggingAPI
	Logs    LogsAPI
	Options Options
}

// Layer holds one cache per resource kind for the life of the process.
type Layer struct {
	Lambda        *Cache
	LogGroup      *Cache
	StepFunctions *Cache
	S3            *Cache
}

// NewLayer builds the four caches over a shared store. A kind whose API
// client is missing never fetches.
func NewLayer(store storage.ObjectStore, cfg LayerConfig) *Layer {
	tagging := cfg.Tagging != nil
	kind := func(k Kind) *Cache { return New(k, store, cfg.Options) }

	l := &Layer{
		Lambda: kind(Kind{
			Name:         "lambda",
			Filename:     LambdaFilename,
			LockFilename: LambdaLockFilename,
			ShouldFetch:  cfg.FetchLambda && tagging,
		}),
		S3: kind(Kind{
			Name:         "s3",
			Filename:     S3Filename,
			LockFilename: S3LockFilename,
			ShouldFetch:  cfg.FetchS3 && tagging,
		}),
		StepFunctions: kind(Kind{
			Name:         "step-functions",
			Filename:     StepFunctionsFilename,
			LockFilename: StepFunctionsLockFilename,
			Dirname:      StepFunctionsDirname,
			ShouldFetch:  cfg.FetchStepFunctions && tagging,
		}),
		LogGroup: kind(Kind{
			Name:        "log-group",
			Dirname:     LogGroupDirname,
			ShouldFetch: cfg.FetchLogGroup && cfg.Logs != nil,
		}),
	}
	if tagging {
		l.Lambda.kind.Bulk = BulkByResourceType(cfg.Tagging, "lambda")
		l.S3.kind.Bulk = BulkByResourceType(cfg.Tagging, "s3")
		l.StepFunctions.kind.Bulk = BulkByResourceType(cfg.Tagging, "states")
		l.StepFunctions.kind.Point = PointByARN(cfg.Tagging)
	}
	if cfg.Logs != nil {
		l.LogGroup.kind.Point = LogGroupTags(cfg.Logs)
	}
	return l
}

func (l *Layer) all() []*Cache {
	return []*Cache{l.Lambda, l.LogGroup, l.StepFunctions, l.S3}
}

// SetPrefix scopes every cache to prefix.
func (l *Layer) SetPrefix(prefix string) {
	for _, c := range l.all() {
		c.SetPrefix(prefix)
	}
}

// Warm preloads per-resource objects for the point-fetch kinds.
func (l *Layer) Warm(ctx context.Context) {
	for _, c := range l.all() {
		c.Warm(ctx)
	}
}
