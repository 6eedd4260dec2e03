package tags

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		opts Options
		want string
	}{
		{"", Options{RemoveLeadingDigits: true}, ""},
		{"6.6.6", Options{RemoveLeadingDigits: true}, ".6.6"},
		{"6.6.6", Options{}, "6.6.6"},
		{"serv:erless:", Options{RemoveColons: true, RemoveLeadingDigits: true}, "serv_erless"},
		{"serv:erless:", Options{RemoveLeadingDigits: true}, "serv:erless:"},
		{"s+e@rv_erl_ess", Options{RemoveLeadingDigits: true}, "s_e_rv_erl_ess"},
		{"Team Name", Options{}, "team_name"},
		{"__lead", Options{RemoveLeadingDigits: true}, "lead"},
		{"a///b", Options{}, "a///b"},
		{"trailing__", Options{}, "trailing"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in, tt.opts))
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"6.6.6", "Serv:erless:", "s+e@rv_erl_ess", "__99Bottles__", "ünïcode-tag", "a b  c", "::", "_", "0",
		"env:Prod", "x/y.z-1", strings.Repeat("ab_", 100),
	}
	opts := []Options{{}, {RemoveColons: true}, {RemoveLeadingDigits: true}, {true, true}}
	for _, in := range inputs {
		for _, o := range opts {
			once := Sanitize(in, o)
			assert.Equal(t, once, Sanitize(once, o), "input %q opts %+v", in, o)
		}
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "env:prod", Format("Env", "Prod"))
	assert.Equal(t, "team_a", Format("team:a", ""))
	assert.Equal(t, "version:1.2.3", Format("version", "1.2.3"))
	assert.Len(t, Format("k", strings.Repeat("v", 300)), MaxTagLength)
}

func TestFromMap(t *testing.T) {
	got := FromMap(map[string]string{"Service": "API", "env": "prod"})
	assert.Equal(t, []string{"env:prod", "service:api"}, got)
}

func TestServiceFromTags(t *testing.T) {
	service, rest := ServiceFromTags("env:prod,service:a,team:x,service:b")
	assert.Equal(t, "a", service)
	assert.Equal(t, "env:prod,service:a,team:x", rest)

	service, rest = ServiceFromTags("env:prod")
	assert.Equal(t, "", service)
	assert.Equal(t, "env:prod", rest)
}

func TestDedup(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Dedup([]string{"b", "a", "b"}))
}
