package aws

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/dlclark/regexp2"

	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/provider"
)

type s3Object struct {
	bucket string
	key    string
}

// s3Objects lists the objects of a notification, unwrapping SNS envelopes.
func s3Objects(raw json.RawMessage) ([]s3Object, error) {
	var notification events.S3Event
	if err := json.Unmarshal(raw, &notification); err != nil {
		return nil, err
	}
	if len(notification.Records) == 0 || notification.Records[0].S3.Bucket.Name == "" {
		var sns events.SNSEvent
		if err := json.Unmarshal(raw, &sns); err != nil {
			return nil, err
		}
		notification.Records = nil
		for _, r := range sns.Records {
			var inner events.S3Event
			if err := json.Unmarshal([]byte(r.SNS.Message), &inner); err != nil {
				slog.Debug("no s3 notification in sns message", "error", err)
				continue
			}
			notification.Records = append(notification.Records, inner.Records...)
		}
	}

	objects := make([]s3Object, 0, len(notification.Records))
	for _, r := range notification.Records {
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			key = r.S3.Object.Key
		}
		objects = append(objects, s3Object{bucket: r.S3.Bucket.Name, key: key})
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("no s3 records in notification")
	}
	return objects, nil
}

// BucketARN returns the ARN tags are cached under.
func BucketARN(bucket string) string {
	return "arn:aws:s3:::" + bucket
}

func (p *Provider) handleS3(raw json.RawMessage, base models.Metadata) (provider.Stream, error) {
	objects, err := s3Objects(raw)
	if err != nil {
		return nil, err
	}
	parts := make([]provider.Stream, 0, len(objects))
	for _, obj := range objects {
		parts = append(parts, provider.Lazy(func(ctx context.Context) provider.Stream {
			return p.objectStream(ctx, obj, base)
		}))
	}
	return provider.Concat(parts...), nil
}

func (obj s3Object) provenance() map[string]any {
	return map[string]any{
		models.FieldAWS: map[string]any{
			"s3": map[string]any{"bucket": obj.bucket, "key": obj.key},
		},
	}
}

func (p *Provider) objectStream(ctx context.Context, obj s3Object, base models.Metadata) provider.Stream {
	meta := base.Clone()
	if !meta.HasSource() {
		meta.SetSource(S3Source(obj.key))
	}
	if bucketARN := BucketARN(obj.bucket); meta.Host() != bucketARN {
		if t := lookup(ctx, p.tags.S3, bucketARN); len(t) > 0 {
			meta.PrependTags(t...)
		}
	}
	addServiceTag(meta)

	data, err := p.readObject(ctx, obj)
	if err != nil {
		slog.Error("failed to read s3 object", "bucket", obj.bucket, "key", obj.key, "error", err)
		return provider.Slice(provider.Failed(err, meta))
	}

	if IsCloudTrail(obj.key) {
		if s, ok := cloudTrailStream(data, obj, meta); ok {
			return s
		}
	}
	if p.multilineStart != nil {
		return provider.Slice(p.multilineFragments(data, obj, meta)...)
	}
	return lineStream(data, obj, meta)
}

func (p *Provider) readObject(ctx context.Context, obj s3Object) ([]byte, error) {
	if p.objects == nil {
		return nil, fmt.Errorf("no s3 reader configured")
	}
	body, err := p.objects.Open(ctx, obj.bucket, obj.key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", obj.bucket, obj.key, err)
	}
	if strings.HasSuffix(obj.key, ".gz") || isGzip(data) {
		return gunzip(data)
	}
	return data, nil
}

// cloudTrailStream yields the entries of a CloudTrail file. It reports false
// when the object has no Records field.
func cloudTrailStream(data []byte, obj s3Object, meta models.Metadata) (provider.Stream, bool) {
	var trail struct {
		Records []json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(data, &trail); err != nil || trail.Records == nil {
		slog.Debug("unable to parse cloudtrail log", "key", obj.key, "error", err)
		return nil, false
	}

	i := 0
	return provider.Func(func(context.Context) (provider.Fragment, error) {
		for i < len(trail.Records) {
			raw := trail.Records[i]
			i++
			var entry map[string]any
			if err := json.Unmarshal(raw, &entry); err != nil || entry == nil {
				slog.Debug("skipping cloudtrail entry", "key", obj.key, "error", err)
				continue
			}
			if err := models.Merge(entry, obj.provenance()); err != nil {
				return provider.Failed(err, meta), nil
			}
			return provider.Fragment{Fields: entry, Metadata: meta}, nil
		}
		return provider.Fragment{}, io.EOF
	}), true
}

func (obj s3Object) line(msg string, meta models.Metadata) provider.Fragment {
	fields := obj.provenance()
	fields[models.FieldMessage] = msg
	return provider.Fragment{Fields: fields, Metadata: meta}
}

// lineStream yields one fragment per non-blank line.
func lineStream(data []byte, obj s3Object, meta models.Metadata) provider.Stream {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	scanner.Split(scanLines)

	return provider.Func(func(context.Context) (provider.Fragment, error) {
		for scanner.Scan() {
			line := strings.TrimSpace(strings.ToValidUTF8(scanner.Text(), ""))
			if line == "" {
				continue
			}
			return obj.line(line, meta), nil
		}
		if err := scanner.Err(); err != nil {
			return provider.Fragment{}, err
		}
		return provider.Fragment{}, io.EOF
	})
}

// multilineFragments splits on line breaks followed by the start pattern
// when the object begins with it, and on every line break otherwise.
func (p *Provider) multilineFragments(data []byte, obj s3Object, meta models.Metadata) []provider.Fragment {
	text := strings.ToValidUTF8(string(data), "")

	var parts []string
	if ok, err := p.multilineStart.MatchString(text); ok && err == nil {
		parts = splitPattern(p.multilineSplit, text)
	} else {
		slog.Debug("multiline pattern did not match start of file, splitting by line", "key", obj.key)
		scanner := bufio.NewScanner(strings.NewReader(text))
		scanner.Buffer(make([]byte, 0, 64*1024), len(text)+1)
		scanner.Split(scanLines)
		for scanner.Scan() {
			parts = append(parts, scanner.Text())
		}
	}

	frags := make([]provider.Fragment, 0, len(parts))
	for _, part := range parts {
		frags = append(frags, obj.line(part, meta))
	}
	return frags
}

// splitPattern splits text around every match of re, dropping empty parts.
func splitPattern(re *regexp2.Regexp, text string) []string {
	runes := []rune(text)
	var parts []string
	add := func(part []rune) {
		if len(part) > 0 {
			parts = append(parts, string(part))
		}
	}

	last := 0
	m, err := re.FindRunesMatch(runes)
	for m != nil && err == nil {
		add(runes[last:m.Index])
		last = m.Index + m.Length
		m, err = re.FindNextMatch(m)
	}
	if err != nil {
		slog.Warn("multiline split stopped early", "error", err)
	}
	add(runes[last:])
	return parts
}
