package models

import "strings"

// Metadata holds the top-level enrichment fields merged into every record of
// an invocation.
type Metadata map[string]any

func (m Metadata) str(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (m Metadata) Source() string  { return m.str(FieldSource) }
func (m Metadata) Service() string { return m.str(FieldService) }
func (m Metadata) Host() string    { return m.str(FieldHost) }
func (m Metadata) Tags() string    { return m.str(FieldTags) }

func (m Metadata) SetSource(v string)  { m[FieldSource] = v }
func (m Metadata) SetService(v string) { m[FieldService] = v }
func (m Metadata) SetHost(v string)    { m[FieldHost] = v }
func (m Metadata) SetTags(v string)    { m[FieldTags] = v }

// HasSource reports whether a source has been assigned.
func (m Metadata) HasSource() bool {
	_, ok := m[FieldSource]
	return ok
}

// AddTags appends tags after the existing ones.
func (m Metadata) AddTags(tags ...string) {
	m.SetTags(JoinTags(m.Tags(), strings.Join(tags, ",")))
}

// PrependTags inserts tags before the existing ones.
func (m Metadata) PrependTags(tags ...string) {
	m.SetTags(JoinTags(strings.Join(tags, ","), m.Tags()))
}

// Clone returns a deep copy so handlers can specialise metadata per record
// group without touching the invocation seed.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, vv := range t {
			c[k] = cloneValue(vv)
		}
		return c
	case []any:
		c := make([]any, len(t))
		for i, vv := range t {
			c[i] = cloneValue(vv)
		}
		return c
	default:
		return v
	}
}

// CloneMap deep-copies a decoded JSON object.
func CloneMap(m map[string]any) map[string]any {
	return cloneValue(m).(map[string]any)
}
