// Package aws parses Lambda trigger payloads (S3, CloudWatch Logs, SNS,
// Kinesis, EventBridge) into record fragments.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/dlclark/regexp2"

	"github.com/mosajjal/logshuttle/pkg/cache"
	"github.com/mosajjal/logshuttle/pkg/filter"
	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/provider"
	"github.com/mosajjal/logshuttle/pkg/tags"
)

// Metadata field names specific to the forwarder function.
const (
	FieldInvokedFunctionARN = "invoked_function_arn"
	FieldFunctionVersion    = "function_version"

	latestVersion = "$LATEST"
)

// Config holds the parsing settings.
type Config struct {
	// Tags are the DD_TAGS added to every record
	Tags             string
	CustomSource     string
	ForwarderVersion string
	// MultilinePattern marks the start of a record in S3 objects
	MultilinePattern          string
	StepFunctionsTraceEnabled bool
}

// ObjectReader opens S3 objects.
type ObjectReader interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Provider implements provider.CloudProvider for AWS
type Provider struct {
	cfg     Config
	tags    *cache.Layer
	objects ObjectReader

	multilineStart *regexp2.Regexp
	multilineSplit *regexp2.Regexp
}

// NewProvider creates a new AWS provider. layer may be nil, in which case
// no resource tags are added.
func NewProvider(cfg Config, layer *cache.Layer, objects ObjectReader) (*Provider, error) {
	if layer == nil {
		layer = &cache.Layer{}
	}
	p := &Provider{cfg: cfg, tags: layer, objects: objects}
	if cfg.MultilinePattern != "" {
		var err error
		if p.multilineStart, err = filter.Compile("DD_MULTILINE_LOG_REGEX_PATTERN", "^"+cfg.MultilinePattern); err != nil {
			return nil, err
		}
		if p.multilineSplit, err = filter.Compile("DD_MULTILINE_LOG_REGEX_PATTERN", "[\n\r\f]+(?="+cfg.MultilinePattern+")"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "aws"
}

// GenerateMetadata seeds the metadata every record of an invocation carries.
func GenerateMetadata(exec models.ExecutionContext, cfg Config) models.Metadata {
	aws := map[string]any{FieldInvokedFunctionARN: exec.InvokedFunctionARN}
	if exec.FunctionVersion != "" && exec.FunctionVersion != latestVersion {
		aws[FieldFunctionVersion] = exec.FunctionVersion
	}
	meta := models.Metadata{
		models.FieldSourceCategory: "aws",
		models.FieldAWS:            aws,
	}
	meta.SetTags(models.JoinTags(
		cfg.Tags,
		"forwardername:"+strings.ToLower(exec.FunctionName),
		"forwarder_version:"+cfg.ForwarderVersion,
	))
	if cfg.CustomSource != "" {
		meta.SetSource(cfg.CustomSource)
		meta.AddTags("source_overridden:true")
	}
	return meta
}

// Parse classifies raw and returns the matching handler's stream. Payloads
// that cannot be handled produce a single error record.
func (p *Provider) Parse(ctx context.Context, raw json.RawMessage, exec models.ExecutionContext) (provider.Stream, string) {
	meta := GenerateMetadata(exec, p.cfg)

	kind, err := Classify(raw)
	if err != nil {
		slog.Warn("unsupported event", "error", err)
		return provider.Slice(provider.Failed(err, meta)), kind
	}
	slog.Debug("parsed event type", "type", kind)

	var s provider.Stream
	switch kind {
	case EventS3:
		s, err = p.handleS3(raw, meta)
	case EventAWSLogs:
		s, err = p.handleAWSLogs(raw, exec, meta)
	case EventEvents:
		s, err = handleEvents(raw, meta)
	case EventSNS:
		s, err = handleSNS(raw, meta)
	case EventKinesis:
		s, err = p.handleKinesis(raw, exec, meta)
	}
	if err != nil {
		slog.Error("failed to parse event", "type", kind, "error", err)
		return provider.Slice(provider.Failed(fmt.Errorf("%s event: %w", kind, err), meta)), kind
	}
	return s, kind
}

func lookup(ctx context.Context, c *cache.Cache, id string) []string {
	if c == nil {
		return nil
	}
	return c.Get(ctx, id)
}

// addServiceTag keeps the first service tag and uses it as the service,
// defaulting to the source.
func addServiceTag(meta models.Metadata) {
	service, deduped := tags.ServiceFromTags(meta.Tags())
	meta.SetTags(deduped)
	if service == "" {
		service = meta.Source()
	}
	meta.SetService(service)
}

// handleEvents yields an EventBridge event as is. The source is the service
// part of its namespace, e.g. aws.ec2 gives ec2.
func handleEvents(raw json.RawMessage, base models.Metadata) (provider.Stream, error) {
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	meta := base.Clone()
	source, _ := event["source"].(string)
	if parts := strings.Split(source, "."); len(parts) > 1 {
		meta.SetSource(parts[1])
	} else {
		meta.SetSource(SourceCloudWatch)
	}
	addServiceTag(meta)
	return provider.Slice(provider.Fragment{Fields: event, Metadata: meta}), nil
}

// handleSNS yields one fragment per notification record.
func handleSNS(raw json.RawMessage, base models.Metadata) (provider.Stream, error) {
	var event struct {
		Records []map[string]any `json:"Records"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	meta := base.Clone()
	meta.SetSource(SourceSNS)

	frags := make([]provider.Fragment, 0, len(event.Records))
	for _, r := range event.Records {
		frags = append(frags, provider.Fragment{Fields: r, Metadata: meta})
	}
	return provider.Slice(frags...), nil
}

// handleAWSLogs decodes a subscription payload on first read.
func (p *Provider) handleAWSLogs(raw json.RawMessage, exec models.ExecutionContext, base models.Metadata) (provider.Stream, error) {
	var event events.CloudwatchLogsEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return provider.Lazy(func(ctx context.Context) provider.Stream {
		decoded, err := decodeCloudWatchData(event.AWSLogs.Data)
		if err != nil {
			return provider.Slice(provider.Failed(err, base))
		}
		return p.logsStream(ctx, decoded, exec, base)
	}), nil
}

// handleKinesis treats every record as a subscription payload, in order.
func (p *Provider) handleKinesis(raw json.RawMessage, exec models.ExecutionContext, base models.Metadata) (provider.Stream, error) {
	var event events.KinesisEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	parts := make([]provider.Stream, 0, len(event.Records))
	for _, r := range event.Records {
		data := r.Kinesis.Data
		parts = append(parts, provider.Lazy(func(ctx context.Context) provider.Stream {
			decoded, err := gunzip(data)
			if err != nil {
				return provider.Slice(provider.Failed(err, base))
			}
			return p.logsStream(ctx, decoded, exec, base)
		}))
	}
	return provider.Concat(parts...), nil
}
