// Package app runs one forwarder invocation end to end. An App is built once
// per process and reused by every invocation the process serves.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mosajjal/logshuttle/pkg/cache"
	"github.com/mosajjal/logshuttle/pkg/enrich"
	"github.com/mosajjal/logshuttle/pkg/fanout"
	"github.com/mosajjal/logshuttle/pkg/forwarder"
	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/provider"
	awsprovider "github.com/mosajjal/logshuttle/pkg/provider/aws"
	"github.com/mosajjal/logshuttle/pkg/retry"
	"github.com/mosajjal/logshuttle/pkg/telemetry"
)

// RetryKeyword marks a payload that only triggers the retry pass.
const RetryKeyword = "retry"

// Flusher writes out buffered telemetry.
type Flusher interface {
	Flush(ctx context.Context)
}

// Config wires an App. Provider, Enricher and Forwarder are required.
type Config struct {
	Layer     *cache.Layer
	Provider  provider.CloudProvider
	Enricher  *enrich.Enricher
	Forwarder *forwarder.Forwarder
	Fanout    *fanout.Invoker

	Telemetry telemetry.Recorder
	Flusher   Flusher
	// SendReserve is taken off the invocation deadline for sends so that
	// failed payloads can still be stored
	SendReserve time.Duration
}

// App holds the state that outlives a single invocation.
type App struct {
	cfg Config
}

// New returns an App.
func New(cfg Config) (*App, error) {
	if cfg.Provider == nil || cfg.Enricher == nil || cfg.Forwarder == nil {
		return nil, errors.New("app: provider, enricher and forwarder are required")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Noop{}
	}
	return &App{cfg: cfg}, nil
}

// IsRetry reports whether raw is the retry trigger {"retry": true}.
func IsRetry(raw json.RawMessage) bool {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) != 1 {
		return false
	}
	switch v := obj[RetryKeyword].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// Handle processes one invocation payload. Parse and delivery failures are
// contained; the returned error only reports what could not be stored for a
// later retry.
func (a *App) Handle(ctx context.Context, raw json.RawMessage, exec models.ExecutionContext) error {
	if a.cfg.Layer != nil {
		a.cfg.Layer.SetPrefix(exec.FunctionName)
	}
	if a.cfg.Flusher != nil {
		defer a.cfg.Flusher.Flush(context.WithoutCancel(ctx))
	}

	if IsRetry(raw) {
		slog.Info("retry trigger received, replaying stored payloads")
		err := a.cfg.Forwarder.Retry(ctx)
		if errors.Is(err, retry.ErrNoBackend) {
			slog.Warn("no retry backend configured, nothing to replay")
			return nil
		}
		return err
	}

	a.cfg.Fanout.Invoke(ctx, raw)

	stream, kind := a.cfg.Provider.Parse(ctx, raw, exec)
	eventType := attribute.String("event_type", kind)
	a.cfg.Telemetry.Count(ctx, telemetry.EventsIncoming, 1, eventType)
	if kind == awsprovider.EventUnknown {
		a.cfg.Telemetry.Count(ctx, telemetry.ParseErrors, 1, eventType)
	}

	records := provider.Normalize(ctx, stream)
	records = a.cfg.Enricher.Enrich(ctx, records)
	records = enrich.Transform(records)
	logs, metrics, traces := enrich.Split(records)
	slog.Debug("split records", "logs", len(logs), "metrics", len(metrics), "traces", len(traces))

	sendCtx, cancel := a.sendContext(ctx)
	defer cancel()
	return a.cfg.Forwarder.Forward(sendCtx, logs, metrics, traces)
}

// sendContext ends SendReserve before ctx's deadline. Without a deadline,
// or with less time left than the reserve, ctx is used as is.
func (a *App) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || a.cfg.SendReserve <= 0 || time.Until(deadline) <= a.cfg.SendReserve {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline.Add(-a.cfg.SendReserve))
}
