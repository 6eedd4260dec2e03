// Package filter decides which serialized log lines are forwarded.
package filter

import (
	"errors"
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

// MatchTimeout bounds a single pattern evaluation.
const MatchTimeout = time.Second

// ErrEmptyPattern is returned when a pattern variable is set but empty.
var ErrEmptyPattern = errors.New("no pattern provided")

// Compile compiles a user-supplied pattern. name is the setting it came from.
func Compile(name, pattern string) (*regexp2.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyPattern)
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("could not compile %s regex with pattern %q: %w", name, pattern, err)
	}
	re.MatchTimeout = MatchTimeout
	return re, nil
}

// Matcher applies the include and exclude patterns. A nil pattern is off.
type Matcher struct {
	include *regexp2.Regexp
	exclude *regexp2.Regexp
}

// New builds a Matcher. nil arguments disable that side.
func New(include, exclude *string) (*Matcher, error) {
	m := &Matcher{}
	var err error
	if include != nil {
		if m.include, err = Compile("INCLUDE_AT_MATCH", *include); err != nil {
			return nil, err
		}
	}
	if exclude != nil {
		if m.exclude, err = Compile("EXCLUDE_AT_MATCH", *exclude); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Enabled reports whether any pattern is configured.
func (m *Matcher) Enabled() bool {
	return m != nil && (m.include != nil || m.exclude != nil)
}

// Match reports whether line should be forwarded. Exclusion wins over inclusion.
func (m *Matcher) Match(line string) (bool, error) {
	if !m.Enabled() {
		return true, nil
	}
	if m.exclude != nil {
		found, err := m.exclude.MatchString(line)
		if err != nil {
			return false, fmt.Errorf("failed to filter log: %w", err)
		}
		if found {
			return false, nil
		}
	}
	if m.include != nil {
		found, err := m.include.MatchString(line)
		if err != nil {
			return false, fmt.Errorf("failed to filter log: %w", err)
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// Filter keeps the lines that match. Lines whose evaluation fails are dropped.
func (m *Matcher) Filter(lines [][]byte) ([][]byte, int) {
	if !m.Enabled() {
		return lines, 0
	}
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		ok, err := m.Match(string(line))
		if err != nil || !ok {
			continue
		}
		out = append(out, line)
	}
	return out, len(lines) - len(out)
}
