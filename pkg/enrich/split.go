package enrich

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mosajjal/logshuttle/pkg/models"
)

// Metric is a custom metric a function logged as {"m","v","e","t"}.
type Metric struct {
	Name      string   `json:"m"`
	Value     float64  `json:"v"`
	Timestamp float64  `json:"e"`
	Tags      []string `json:"t"`
}

// Trace is a trace payload a tracer logged, with the tags of its record.
type Trace struct {
	Message string `json:"message"`
	Tags    string `json:"tags"`
}

// Split separates metric and trace payloads from plain logs, preserving
// order within each category.
func Split(records []models.Record) (logs []models.Record, metrics []Metric, traces []Trace) {
	for _, rec := range records {
		if m, ok := extractMetric(rec); ok {
			metrics = append(metrics, m)
			continue
		}
		if t, ok := extractTrace(rec); ok {
			traces = append(traces, t)
			continue
		}
		logs = append(logs, rec)
	}
	slog.Debug("split records", "logs", len(logs), "metrics", len(metrics), "traces", len(traces))
	return logs, metrics, traces
}

func extractMetric(rec models.Record) (Metric, bool) {
	msg, ok := rec[models.FieldMessage].(string)
	if !ok {
		return Metric{}, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg), &raw); err != nil {
		return Metric{}, false
	}
	for _, attr := range []string{"m", "v", "e", "t"} {
		if _, ok := raw[attr]; !ok {
			return Metric{}, false
		}
	}

	var m Metric
	if json.Unmarshal(raw["m"], &m.Name) != nil ||
		json.Unmarshal(raw["v"], &m.Value) != nil ||
		json.Unmarshal(raw["e"], &m.Timestamp) != nil ||
		json.Unmarshal(raw["t"], &m.Tags) != nil || m.Tags == nil {
		return Metric{}, false
	}

	if arn, _ := nested(map[string]any(rec), models.FieldLambda, "arn").(string); arn != "" {
		m.Tags = append(m.Tags, "function_arn:"+strings.ToLower(arn))
	}
	m.Tags = append(m.Tags, strings.Split(models.Metadata(rec).Tags(), ",")...)
	return m, true
}

func extractTrace(rec models.Record) (Trace, bool) {
	msg, ok := rec[models.FieldMessage].(string)
	if !ok {
		return Trace{}, false
	}
	var payload struct {
		Traces [][]struct {
			TraceID any `json:"trace_id"`
		} `json:"traces"`
	}
	if err := json.Unmarshal([]byte(msg), &payload); err != nil {
		return Trace{}, false
	}
	if len(payload.Traces) == 0 || len(payload.Traces[0]) == 0 || payload.Traces[0][0].TraceID == nil {
		return Trace{}, false
	}
	return Trace{Message: msg, Tags: models.Metadata(rec).Tags()}, true
}
