package highlight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHighlight(t *testing.T) {
	tests := []struct {
		name    string
		phrases map[string]string
		field   string
		value   any
		want    string
		ok      bool
	}{
		{"term", map[string]string{"*": "error"}, "message", "Disk error: retry", "Disk <em>error</em>: retry", true},
		{"case insensitive", map[string]string{"*": "ERROR"}, "message", "error", "<em>error</em>", true},
		{"phrase wraps each token", map[string]string{"*": `"disk full"`}, "message", "The Disk Full (again)", "The <em>Disk</em> <em>Full</em> (again)", true},
		{"phrase needs sequence", map[string]string{"*": `"disk full"`}, "message", "full disk", "", false},
		{"negated terms ignored", map[string]string{"*": "error AND NOT warn"}, "message", "warn error", "warn <em>error</em>", true},
		{"wildcard", map[string]string{"*": "err*"}, "message", "errors and erratic", "<em>errors</em> and <em>erratic</em>", true},
		{"punctuation is a boundary", map[string]string{"*": "error"}, "message", "a.error(b)", "a.<em>error</em>(b)", true},
		{"field phrase other field", map[string]string{"host": `"web-1"`}, "message", "web-1", "", false},
		{"field phrase", map[string]string{"host": `"web-1"`}, "host", "web-1", "<em>web-1</em>", true},
		{"qualified term", map[string]string{"*": "host:web"}, "message", "web", "", false},
		{"number value", map[string]string{"*": "404"}, "status", float64(404), "<em>404</em>", true},
		{"no match", map[string]string{"*": "error"}, "message", "all good", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(tt.phrases, "<em>", "</em>")
			require.NoError(t, err)
			got, ok := h.Highlight(tt.field, tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHighlightIsIdempotent(t *testing.T) {
	h, err := New(map[string]string{"*": `"disk full" OR err*`}, "@b@", "@/b@")
	require.NoError(t, err)
	first, ok := h.Highlight("message", "disk full: errno 28")
	require.True(t, ok)
	second, _ := h.Highlight("message", "disk full: errno 28")
	assert.Equal(t, first, second)
	assert.Equal(t, "@b@disk@/b@ @b@full@/b@: @b@errno@/b@ 28", first)
}

func TestFlatten(t *testing.T) {
	leaves := Flatten("props", map[string]any{
		"a":    map[string]any{"b": "x"},
		"list": []any{"y", map[string]any{"c": "z"}},
		"null": nil,
	})
	assert.Equal(t, []Leaf{
		{Path: "props.a.b", Value: "x"},
		{Path: "props.list", Value: "y"},
		{Path: "props.list.c", Value: "z"},
	}, leaves)
}

func TestSource(t *testing.T) {
	h, err := New(map[string]string{"*": "error"}, "<em>", "</em>")
	require.NoError(t, err)

	got := h.Source(map[string]any{
		"message": "an error",
		"host":    "web-1",
		"props":   map[string]any{"detail": []any{"error one", "fine"}},
	})
	assert.Equal(t, map[string][]string{
		"message":      {"an <em>error</em>"},
		"props.detail": {"<em>error</em> one"},
	}, got)

	assert.Nil(t, h.Source(map[string]any{"host": "web-1"}))
}

func TestNewRejectsBadPhrase(t *testing.T) {
	_, err := New(map[string]string{"*": `"open`}, "", "")
	assert.Error(t, err)
}
