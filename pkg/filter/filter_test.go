package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestMatcher(t *testing.T) {
	tests := []struct {
		name    string
		include *string
		exclude *string
		line    string
		want    bool
	}{
		{"no patterns", nil, nil, "anything", true},
		{"include hit", ptr(`"status":\s*5\d\d`), nil, `{"status": 503}`, true},
		{"include miss", ptr(`ERROR`), nil, "INFO ok", false},
		{"exclude hit", nil, ptr(`healthcheck`), "GET /healthcheck", false},
		{"exclude miss", nil, ptr(`healthcheck`), "GET /orders", true},
		{"exclude wins", ptr(`GET`), ptr(`healthcheck`), "GET /healthcheck", false},
		{"lookahead pattern", ptr(`foo(?=bar)`), nil, "foobar", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.include, tt.exclude)
			require.NoError(t, err)
			got, err := m.Match(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsEmptyPattern(t *testing.T) {
	_, err := New(ptr(""), nil)
	assert.True(t, errors.Is(err, ErrEmptyPattern))

	_, err = New(nil, ptr("("))
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	m, err := New(nil, ptr("drop"))
	require.NoError(t, err)

	out, dropped := m.Filter([][]byte{[]byte("keep 1"), []byte("drop me"), []byte("keep 2")})
	assert.Equal(t, 1, dropped)
	assert.Equal(t, [][]byte{[]byte("keep 1"), []byte("keep 2")}, out)
}
