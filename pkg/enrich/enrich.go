// Package enrich adds record-specific host, service and tag fields after
// parsing, reshapes records whose nested arrays the intake cannot index, and
// splits out metrics and traces submitted through logs.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/tags"
)

// Sources with record-level host rules.
const (
	SourceCloudTrail = "cloudtrail"
	SourceGuardDuty  = "guardduty"
	SourceRoute53    = "route53"
)

// hostIdentity matches an EC2 instance's assumed-role session ARN.
var hostIdentity = regexp.MustCompile(`^arn:aws:sts::.*?:assumed-role/(?P<role>.*?)/(?P<host>i-([0-9a-f]{8}|[0-9a-f]{17}))$`)

// TagSource returns the tags of a resource. *cache.Cache satisfies it.
type TagSource interface {
	Get(ctx context.Context, id string) []string
}

// Enricher mutates records in place.
type Enricher struct {
	lambdaTags TagSource
}

// New returns an Enricher. lambdaTags may be nil.
func New(lambdaTags TagSource) *Enricher {
	return &Enricher{lambdaTags: lambdaTags}
}

// Enrich applies every rule to each record and returns the same slice.
func (e *Enricher) Enrich(ctx context.Context, records []models.Record) []models.Record {
	for _, rec := range records {
		e.Record(ctx, rec)
	}
	return records
}

// Record enriches one record.
func (e *Enricher) Record(ctx context.Context, rec models.Record) {
	e.lambdaMetadata(ctx, rec)
	extractMessageTags(rec)
	switch models.Metadata(rec).Source() {
	case SourceCloudTrail:
		cloudTrailHost(rec)
	case SourceGuardDuty:
		guardDutyHost(rec)
	case SourceRoute53:
		route53Host(rec)
	}
}

func nested(v any, keys ...string) any {
	for _, k := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

func (e *Enricher) functionTags(ctx context.Context, arn string) []string {
	if e.lambdaTags == nil {
		return nil
	}
	return tags.Dedup(e.lambdaTags.Get(ctx, arn))
}

// lambdaMetadata uses the function ARN as host and adds the function name,
// its resource tags and, unless parsing already chose one, its service.
func (e *Enricher) lambdaMetadata(ctx context.Context, rec models.Record) {
	arn, _ := nested(map[string]any(rec), models.FieldLambda, "arn").(string)
	if arn == "" {
		return
	}
	meta := models.Metadata(rec)
	meta.SetHost(arn)

	parts := strings.Split(arn, ":")
	if len(parts) < 7 {
		return
	}
	name := parts[6]
	added := []string{"functionname:" + name}
	custom := e.functionTags(ctx, arn)

	if meta.Service() == "" || meta.Service() == meta.Source() {
		service := "service:" + name
		for _, t := range custom {
			if strings.HasPrefix(t, "service:") {
				service = t
				break
			}
		}
		added = append(added, service)
		meta.SetService(strings.Split(service, ":")[1])
	} else {
		kept := custom[:0:0]
		for _, t := range custom {
			if !strings.HasPrefix(t, "service:") {
				kept = append(kept, t)
			}
		}
		custom = kept
	}

	for _, t := range custom {
		if strings.HasPrefix(t, "env:") {
			meta.SetTags(removeTag(meta.Tags(), "env:none"))
			break
		}
	}

	added = tags.Dedup(append(added, custom...))
	meta.SetTags(models.JoinTags(meta.Tags(), strings.Join(added, ",")))
}

func removeTag(tagString, tag string) string {
	kept := make([]string, 0)
	for _, t := range strings.Split(tagString, ",") {
		if t != tag && t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, ",")
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeObject(m map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// extractMessageTags moves tags an application put in message.ddtags to the
// record's own tags, since the intake would otherwise let them replace the
// forwarder's tags. A service tag among them becomes the record's service.
func extractMessageTags(rec models.Record) {
	var extracted any
	switch msg := rec[models.FieldMessage].(type) {
	case map[string]any:
		v, ok := msg[models.FieldTags]
		if !ok {
			return
		}
		delete(msg, models.FieldTags)
		extracted = v
	case string:
		if !strings.Contains(msg, models.FieldTags) {
			return
		}
		obj, err := decodeObject(msg)
		if err != nil || obj == nil {
			slog.Debug("failed to extract ddtags from message", "error", err)
			return
		}
		v, ok := obj[models.FieldTags]
		if !ok {
			return
		}
		delete(obj, models.FieldTags)
		encoded, err := encodeObject(obj)
		if err != nil {
			return
		}
		rec[models.FieldMessage] = encoded
		extracted = v
	default:
		return
	}

	extractedTags, ok := extracted.(string)
	if !ok {
		slog.Debug("ignoring non-string message ddtags", "ddtags", extracted)
		return
	}

	meta := models.Metadata(rec)
	for _, t := range strings.Split(extractedTags, ",") {
		if service, ok := strings.CutPrefix(t, "service:"); ok {
			meta.SetService(service)
			kept := make([]string, 0)
			for _, existing := range strings.Split(meta.Tags(), ",") {
				if !strings.HasPrefix(existing, "service") {
					kept = append(kept, existing)
				}
			}
			meta.SetTags(strings.Join(kept, ","))
			break
		}
	}
	meta.SetTags(meta.Tags() + "," + extractedTags)
}

// messageObject returns the message as an object, decoding it when it is a
// JSON string. ok is false when the message is a string that is not JSON.
func messageObject(rec models.Record) (obj any, ok bool) {
	msg, present := rec[models.FieldMessage]
	if !present {
		return nil, true
	}
	s, isString := msg.(string)
	if !isString {
		return msg, true
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case string:
		return t == ""
	}
	return false
}

// cloudTrailHost sets the instance id of an EC2 role session as host. S3
// CloudTrail records carry the fields at the top level instead of in message.
func cloudTrailHost(rec models.Record) {
	msg, ok := messageObject(rec)
	if !ok {
		slog.Debug("failed to decode cloudtrail message")
		return
	}
	if empty(msg) {
		msg = map[string]any(rec)
	}
	arn, ok := nested(msg, "userIdentity", "arn").(string)
	if !ok {
		return
	}
	if m := hostIdentity.FindStringSubmatch(arn); m != nil {
		models.Metadata(rec).SetHost(m[hostIdentity.SubexpIndex("host")])
	}
}

func guardDutyHost(rec models.Record) {
	resource, ok := nested(map[string]any(rec), "detail", "resource").(map[string]any)
	if !ok {
		return
	}
	if host := nested(resource, "instanceDetails", "instanceId"); host != nil {
		rec[models.FieldHost] = host
	}
}

func route53Host(rec models.Record) {
	msg, ok := messageObject(rec)
	if !ok {
		slog.Debug("failed to decode route53 message")
		return
	}
	if host := nested(msg, "srcids", "instance"); host != nil {
		rec[models.FieldHost] = host
	}
}
