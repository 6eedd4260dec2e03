// Package forwarder ships logs, metrics and traces to their intakes and
// persists what could not be delivered for a later retry pass.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mosajjal/logshuttle/pkg/batch"
	"github.com/mosajjal/logshuttle/pkg/delivery"
	"github.com/mosajjal/logshuttle/pkg/enrich"
	"github.com/mosajjal/logshuttle/pkg/filter"
	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/retry"
	"github.com/mosajjal/logshuttle/pkg/storage"
	"github.com/mosajjal/logshuttle/pkg/telemetry"
)

// Batch bounds per transport, in bytes and items.
var (
	HTTPBatcher = batch.New(512*1000, 4*1000*1000, 400)
	TCPBatcher  = batch.New(256*1000, 256*1000, 1)
)

// Config wires the forwarder. Only Logs is required.
type Config struct {
	Logs    delivery.Sender
	Metrics delivery.Sender
	Traces  delivery.Sender

	Batcher batch.Batcher
	Workers int
	// Matcher filters serialized logs; nil keeps everything
	Matcher *filter.Matcher
	// Archive receives a copy of every forwarded log batch when set
	Archive storage.Archiver
	// Store receives failed payloads when StoreFailed is set
	Store       retry.Store
	StoreFailed bool
	ForwardLogs bool

	Telemetry telemetry.Recorder
}

// Forwarder is safe for concurrent use.
type Forwarder struct {
	cfg Config
}

// New returns a Forwarder.
func New(cfg Config) *Forwarder {
	if cfg.Batcher == (batch.Batcher{}) {
		cfg.Batcher = HTTPBatcher
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Noop{}
	}
	if cfg.StoreFailed && cfg.Store == nil {
		slog.Warn("storing failed events is enabled without a retry store")
	}
	return &Forwarder{cfg: cfg}
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func serialize[T any](values []T) [][]byte {
	items := make([][]byte, 0, len(values))
	for _, v := range values {
		b, err := marshal(v)
		if err != nil {
			slog.Warn("dropping record that cannot be serialized", "error", err)
			continue
		}
		items = append(items, b)
	}
	return items
}

// Forward delivers each category. Retriable failures are stored for retry;
// the returned error only reports failures to store them.
func (f *Forwarder) Forward(ctx context.Context, logs []models.Record, metrics []enrich.Metric, traces []enrich.Trace) error {
	var errs []error
	if f.cfg.ForwardLogs {
		errs = append(errs, f.forwardLogs(ctx, logs))
	}
	if len(metrics) > 0 {
		errs = append(errs, f.deliver(ctx, models.CategoryMetrics, serialize(distributionSeries(metrics))))
	}
	if len(traces) > 0 {
		errs = append(errs, f.deliver(ctx, models.CategoryTraces, serialize(traces)))
	}
	return errors.Join(errs...)
}

func (f *Forwarder) forwardLogs(ctx context.Context, logs []models.Record) error {
	items := serialize(logs)
	if f.cfg.Matcher != nil {
		var dropped int
		items, dropped = f.cfg.Matcher.Filter(items)
		if dropped > 0 {
			f.cfg.Telemetry.Count(ctx, telemetry.RecordsFiltered, dropped)
		}
	}
	if len(items) == 0 {
		return nil
	}
	if f.cfg.Archive != nil {
		if err := f.cfg.Archive.Archive(ctx, items); err != nil {
			slog.Error("failed to archive logs", "error", err)
		}
	}
	return f.deliver(ctx, models.CategoryLogs, items)
}

func (f *Forwarder) sender(category models.Category) delivery.Sender {
	switch category {
	case models.CategoryMetrics:
		return f.cfg.Metrics
	case models.CategoryTraces:
		return f.cfg.Traces
	default:
		return f.cfg.Logs
	}
}

func forwardedCounter(category models.Category) string {
	switch category {
	case models.CategoryMetrics:
		return telemetry.MetricsForwarded
	case models.CategoryTraces:
		return telemetry.TracesForwarded
	default:
		return telemetry.LogsForwarded
	}
}

// send batches items through the pool and returns the items of batches that
// failed with a retriable error, and whether any batch failed at all.
func (f *Forwarder) send(ctx context.Context, category models.Category, items [][]byte) (retriable [][]byte, failed bool) {
	sender := f.sender(category)
	if sender == nil {
		slog.Warn("no sender configured, dropping payloads", "category", category, "items", len(items))
		return nil, true
	}

	var mu sync.Mutex
	delivered := len(items)
	pool := delivery.NewPool(ctx, sender, f.cfg.Workers, func(_ context.Context, b [][]byte, err error) {
		mu.Lock()
		defer mu.Unlock()
		delivered -= len(b)
		if delivery.Classify(err) == delivery.Retriable {
			retriable = append(retriable, b...)
		}
	})

	batcher := f.cfg.Batcher
	if category != models.CategoryLogs {
		batcher = HTTPBatcher
	}
	for _, b := range batcher.Batch(items) {
		pool.Go(b)
	}
	_, failedBatches := pool.Wait()

	if failedBatches > 0 {
		f.cfg.Telemetry.Count(ctx, telemetry.BatchesFailed, failedBatches)
	}
	f.cfg.Telemetry.Count(ctx, forwardedCounter(category), delivered)
	return retriable, failedBatches > 0
}

func (f *Forwarder) deliver(ctx context.Context, category models.Category, items [][]byte) error {
	slog.Debug("forwarding", "category", category, "items", len(items))
	retriable, _ := f.send(ctx, category, items)
	if len(retriable) == 0 || !f.cfg.StoreFailed || f.cfg.Store == nil {
		return nil
	}

	payload := make([]json.RawMessage, 0, len(retriable))
	for _, item := range retriable {
		payload = append(payload, json.RawMessage(item))
	}
	// the invocation may be out of time by now
	if err := f.cfg.Store.StoreData(context.WithoutCancel(ctx), category, payload); err != nil {
		return fmt.Errorf("failed to store %s for retry: %w", category, err)
	}
	f.cfg.Telemetry.Count(ctx, telemetry.BatchesStored, 1)
	slog.Info("stored failed payloads for retry", "category", category, "items", len(payload))
	return nil
}

// Retry replays every stored payload. A stored entry is deleted only once
// all of its items were delivered.
func (f *Forwarder) Retry(ctx context.Context) error {
	if f.cfg.Store == nil {
		return retry.ErrNoBackend
	}
	var errs []error
	for _, category := range models.Categories {
		data, err := f.cfg.Store.GetData(ctx, category)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read %s retry data: %w", category, err))
			continue
		}
		for handle, payload := range data {
			items := make([][]byte, 0, len(payload))
			for _, item := range payload {
				if category == models.CategoryLogs {
					item = retry.AddRetryTag(item)
				}
				items = append(items, item)
			}
			if _, failed := f.send(ctx, category, items); failed {
				slog.Warn("retry failed, keeping payload", "category", category, "handle", handle)
				continue
			}
			if err := f.cfg.Store.DeleteData(ctx, handle); err != nil {
				slog.Error("failed to delete replayed payload", "handle", handle, "error", err)
				continue
			}
			f.cfg.Telemetry.Count(ctx, telemetry.RetriesReplayed, 1, attributeCategory(category))
		}
	}
	return errors.Join(errs...)
}
