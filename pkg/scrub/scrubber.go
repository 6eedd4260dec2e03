// Package scrub redacts sensitive substrings from serialized payloads.
package scrub

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

// Built-in rule patterns.
const (
	IPPattern    = `\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`
	EmailPattern = `[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`

	IPReplacement      = "xxx.xxx.xxx.xxx"
	EmailReplacement   = "xxxxx@xxxxx.com"
	DefaultReplacement = "xxxxx"
)

// Rule is one enabled substitution.
type Rule struct {
	Name        string
	Pattern     string
	Replacement string
}

// IPRule redacts IPv4-looking tokens.
func IPRule() Rule { return Rule{Name: "REDACT_IP", Pattern: IPPattern, Replacement: IPReplacement} }

// EmailRule redacts email addresses.
func EmailRule() Rule {
	return Rule{Name: "REDACT_EMAIL", Pattern: EmailPattern, Replacement: EmailReplacement}
}

// Error is returned when a rule could not be applied. The payload must not be
// sent when this happens.
type Error struct {
	Rule string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("could not scrub the payload with rule %s: %v", e.Rule, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type compiledRule struct {
	name        string
	re          *regexp2.Regexp
	replacement string
}

// Scrubber applies its rules in order.
type Scrubber struct {
	rules []compiledRule
}

// New compiles the rules. An invalid pattern is a configuration error.
func New(rules []Rule, timeout time.Duration) (*Scrubber, error) {
	s := &Scrubber{}
	for _, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("no pattern provided for %s", r.Name)
		}
		re, err := regexp2.Compile(r.Pattern, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("could not compile %s regex with pattern %q: %w", r.Name, r.Pattern, err)
		}
		re.MatchTimeout = timeout
		s.rules = append(s.rules, compiledRule{name: r.Name, re: re, replacement: r.Replacement})
	}
	return s, nil
}

// Scrub returns payload with every rule applied.
func (s *Scrubber) Scrub(payload string) (string, error) {
	if s == nil {
		return payload, nil
	}
	for _, r := range s.rules {
		out, err := r.re.Replace(payload, r.replacement, -1, -1)
		if err != nil {
			return "", &Error{Rule: r.name, Err: err}
		}
		payload = out
	}
	return payload, nil
}
