package models

import (
	"fmt"
	"strings"
)

// Wire field names understood by the log intake.
const (
	FieldSourceCategory = "ddsourcecategory"
	FieldSource         = "ddsource"
	FieldService        = "service"
	FieldHost           = "host"
	FieldTags           = "ddtags"
	FieldMessage        = "message"
	FieldAWS            = "aws"
	FieldLambda         = "lambda"
)

// Category selects the retry-store partition and the intake a payload goes to.
type Category string

const (
	CategoryLogs    Category = "logs"
	CategoryMetrics Category = "metrics"
	CategoryTraces  Category = "traces"
)

// Categories lists every category in replay order.
var Categories = []Category{CategoryLogs, CategoryMetrics, CategoryTraces}

// Record is one normalized log record, ready to be serialized for delivery.
type Record map[string]any

// ExecutionContext is the read-only identity of the invocation.
type ExecutionContext struct {
	FunctionName       string
	FunctionVersion    string
	InvokedFunctionARN string
	MemoryLimitMB      int
	RequestID          string
}

// MergeConflictError reports two differing leaf values for the same path.
type MergeConflictError struct {
	Path string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("conflict while merging metadata and the log entry at %s", e.Path)
}

// Merge copies src into dst recursively. Nested maps are merged, equal leaves
// are kept and the tags field is comma-joined. Any other differing leaf is a
// *MergeConflictError.
func Merge(dst, src map[string]any) error {
	return merge(dst, src, nil)
}

func merge(dst, src map[string]any, path []string) error {
	for key, sv := range src {
		dv, ok := dst[key]
		if !ok {
			dst[key] = sv
			continue
		}
		dm, dIsMap := asMap(dv)
		sm, sIsMap := asMap(sv)
		switch {
		case dIsMap && sIsMap:
			if err := merge(dm, sm, append(path, key)); err != nil {
				return err
			}
			dst[key] = dm
		case leafEqual(dv, sv):
		case key == FieldTags:
			dst[key] = JoinTags(fmt.Sprint(dv), fmt.Sprint(sv))
		default:
			return &MergeConflictError{Path: strings.Join(append(path, key), ".")}
		}
	}
	return nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	case Metadata:
		return m, true
	}
	return nil, false
}

func leafEqual(a, b any) bool {
	switch av := a.(type) {
	case string, bool, float64, int, int64, nil:
		return a == b
	default:
		return fmt.Sprintf("%v", av) == fmt.Sprintf("%v", b)
	}
}

// JoinTags joins comma-separated tag strings, skipping empty parts.
func JoinTags(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

// ErrorRecord builds the synthetic record used in place of an input that
// could not be parsed.
func ErrorRecord(err error, meta Metadata) Record {
	rec := Record{FieldMessage: fmt.Sprintf("Error parsing the object. Exception: %v", err)}
	for k, v := range meta.Clone() {
		rec[k] = v
	}
	return rec
}
