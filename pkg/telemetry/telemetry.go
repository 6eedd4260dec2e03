// Package telemetry counts what the forwarder does.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Counter names.
const (
	LogsForwarded    = "logs_forwarded"
	MetricsForwarded = "metrics_forwarded"
	TracesForwarded  = "traces_forwarded"
	BatchesFailed    = "batches_failed"
	BatchesStored    = "batches_stored"
	RecordsFiltered  = "records_filtered"
	EventsIncoming   = "events_incoming"
	ParseErrors      = "parse_errors"
	RetriesReplayed  = "retries_replayed"
)

const namespace = "aws.dd_forwarder."

// Recorder counts events.
// Use New() for OTel counters or Noop{} when disabled.
type Recorder interface {
	Count(ctx context.Context, name string, n int, attrs ...attribute.KeyValue)
}

// Noop discards everything.
type Noop struct{}

func (Noop) Count(context.Context, string, int, ...attribute.KeyValue) {}

// OTel creates Int64Counters on first use and adds the base attributes to
// every measurement.
type OTel struct {
	meter metric.Meter
	base  []attribute.KeyValue

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

// New returns a recorder on provider.
func New(provider metric.MeterProvider, base ...attribute.KeyValue) *OTel {
	return &OTel{
		meter:    provider.Meter("logshuttle"),
		base:     base,
		counters: make(map[string]metric.Int64Counter),
	}
}

func (o *OTel) counter(name string) (metric.Int64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Int64Counter(namespace + name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

func (o *OTel) Count(ctx context.Context, name string, n int, attrs ...attribute.KeyValue) {
	c, err := o.counter(name)
	if err != nil {
		slog.Warn("failed to create counter", "name", name, "error", err)
		return
	}
	all := make([]attribute.KeyValue, 0, len(o.base)+len(attrs))
	all = append(all, o.base...)
	all = append(all, attrs...)
	c.Add(ctx, int64(n), metric.WithAttributes(all...))
}

// LogReader collects the counters of its provider on demand and writes them
// to the function's log stream.
type LogReader struct {
	reader   *sdkmetric.ManualReader
	Provider *sdkmetric.MeterProvider
}

// NewLogReader returns a provider whose counters are read by Flush.
func NewLogReader() *LogReader {
	reader := sdkmetric.NewManualReader()
	return &LogReader{
		reader:   reader,
		Provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
}

// Flush logs the cumulative value of every counter.
func (l *LogReader) Flush(ctx context.Context) {
	var rm metricdata.ResourceMetrics
	if err := l.reader.Collect(ctx, &rm); err != nil {
		slog.Warn("failed to collect telemetry", "error", err)
		return
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				attrs := []any{"metric", m.Name, "value", dp.Value}
				for _, kv := range dp.Attributes.ToSlice() {
					attrs = append(attrs, string(kv.Key), kv.Value.Emit())
				}
				slog.Info("telemetry", attrs...)
			}
		}
	}
}
