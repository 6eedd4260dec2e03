// Package tags canonicalizes resource tags into the key:value strings the
// intake accepts.
package tags

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MaxTagLength bounds a combined key:value tag.
const MaxTagLength = 200

var (
	invalidChars  = regexp.MustCompile(`[^a-zA-Z0-9_:\-./]`)
	repeatedUnder = regexp.MustCompile(`_+`)
	leadingDigits = regexp.MustCompile(`^[_0-9]*`)
)

// Options toggles the optional sanitizing steps.
type Options struct {
	RemoveColons        bool
	RemoveLeadingDigits bool
}

// Sanitize lowercases s and replaces anything outside the tag alphabet.
func Sanitize(s string, opts Options) string {
	if s == "" {
		return s
	}
	if opts.RemoveColons {
		s = strings.ReplaceAll(s, ":", "_")
	}
	s = strings.ToLower(s)
	s = invalidChars.ReplaceAllString(s, "_")
	s = repeatedUnder.ReplaceAllString(s, "_")
	if opts.RemoveLeadingDigits && s != "" && (s[0] == '_' || (s[0] >= '0' && s[0] <= '9')) {
		s = leadingDigits.ReplaceAllString(s, "")
	}
	return strings.TrimRight(s, "_")
}

// Format builds one key:value tag. A tag with an empty value is the key alone.
func Format(key, value string) string {
	k := Sanitize(key, Options{RemoveColons: true, RemoveLeadingDigits: true})
	v := Sanitize(value, Options{})
	tag := k
	if v != "" {
		tag = fmt.Sprintf("%s:%s", k, v)
	}
	if len(tag) > MaxTagLength {
		tag = tag[:MaxTagLength]
	}
	return tag
}

// FromMap formats every pair, sorted for stable output.
func FromMap(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, Format(k, v))
	}
	sort.Strings(out)
	return out
}

// ServiceFromTags returns the first service tag value and the tag string with
// any further service tags removed.
func ServiceFromTags(tagString string) (string, string) {
	if tagString == "" {
		return "", ""
	}
	service := ""
	kept := make([]string, 0)
	for _, tag := range strings.Split(tagString, ",") {
		if strings.HasPrefix(tag, "service:") {
			if service != "" {
				continue
			}
			service = tag[len("service:"):]
		}
		kept = append(kept, tag)
	}
	return service, strings.Join(kept, ",")
}

// Dedup removes duplicates and sorts.
func Dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
