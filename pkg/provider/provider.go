// Package provider turns a raw invocation payload into a finite, pull-based
// stream of record fragments and normalizes them into log records.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/mosajjal/logshuttle/pkg/models"
)

// CloudProvider parses one cloud's invocation payloads. Parse never fails:
// anything it cannot handle comes back as an error record in the stream.
type CloudProvider interface {
	// Name returns the provider name
	Name() string

	// Parse classifies raw and returns its fragments along with the event
	// type it detected.
	Parse(ctx context.Context, raw json.RawMessage, exec models.ExecutionContext) (Stream, string)
}

// Fragment is one handler-produced record body together with the metadata
// that applies to it. Fragments from the same payload may share Metadata.
type Fragment struct {
	Fields   map[string]any
	Metadata models.Metadata
}

// Message wraps a plain string into a fragment.
func Message(msg string, meta models.Metadata) Fragment {
	return Fragment{Fields: map[string]any{models.FieldMessage: msg}, Metadata: meta}
}

// Failed builds the fragment that stands in for an input that could not be parsed.
func Failed(err error, meta models.Metadata) Fragment {
	return Fragment{Fields: map[string]any(models.ErrorRecord(err, models.Metadata{})), Metadata: meta}
}

// Stream yields fragments until it returns io.EOF. A stream is not restartable.
type Stream interface {
	Next(ctx context.Context) (Fragment, error)
}

// Func adapts a function to Stream.
type Func func(ctx context.Context) (Fragment, error)

func (f Func) Next(ctx context.Context) (Fragment, error) { return f(ctx) }

type sliceStream struct {
	frags []Fragment
	pos   int
}

func (s *sliceStream) Next(context.Context) (Fragment, error) {
	if s.pos >= len(s.frags) {
		return Fragment{}, io.EOF
	}
	f := s.frags[s.pos]
	s.pos++
	return f, nil
}

// Slice streams frags in order.
func Slice(frags ...Fragment) Stream {
	return &sliceStream{frags: frags}
}

// Empty is a stream with nothing in it.
func Empty() Stream { return Slice() }

type lazyStream struct {
	open func(ctx context.Context) Stream
	s    Stream
}

func (l *lazyStream) Next(ctx context.Context) (Fragment, error) {
	if l.s == nil {
		l.s = l.open(ctx)
		if l.s == nil {
			l.s = Empty()
		}
	}
	return l.s.Next(ctx)
}

// Lazy defers building a stream until its first fragment is pulled, so
// decoding one payload does not start before the previous one is drained.
func Lazy(open func(ctx context.Context) Stream) Stream {
	return &lazyStream{open: open}
}

type concatStream struct {
	parts []Stream
}

func (c *concatStream) Next(ctx context.Context) (Fragment, error) {
	for len(c.parts) > 0 {
		f, err := c.parts[0].Next(ctx)
		if errors.Is(err, io.EOF) {
			c.parts = c.parts[1:]
			continue
		}
		return f, err
	}
	return Fragment{}, io.EOF
}

// Concat drains each stream in turn.
func Concat(parts ...Stream) Stream {
	return &concatStream{parts: parts}
}

// Collect drains s into a slice.
func Collect(ctx context.Context, s Stream) ([]Fragment, error) {
	var out []Fragment
	for {
		f, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

// Normalize drains s and merges each fragment with a private copy of its
// metadata. A merge conflict replaces that record with an error record; a
// stream error ends the stream with one.
func Normalize(ctx context.Context, s Stream) []models.Record {
	var records []models.Record
	for {
		f, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return records
		}
		if err != nil {
			slog.Error("failed to read the event stream", "error", err)
			return append(records, models.ErrorRecord(err, models.Metadata{}))
		}
		if f.Fields == nil {
			continue
		}

		meta := f.Metadata.Clone()
		rec := models.Record(f.Fields)
		if err := models.Merge(rec, meta); err != nil {
			slog.Warn("failed to merge metadata into record", "error", err)
			rec = models.ErrorRecord(err, meta)
		}
		records = append(records, rec)
	}
}
