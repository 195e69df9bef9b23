package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{"short string untouched", "hello", 10, "hello"},
		{"exact length untouched", "hello", 5, "hello"},
		{"cut with ellipsis", "hello world", 8, "hello..."},
		{"tiny cap drops ellipsis", "hello", 2, "he"},
		{"multibyte runes", "héllo wörld", 8, "héllo..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Truncate(tt.input, tt.max))
		})
	}
}

func TestTruncate_NeverExceedsExcerptCap(t *testing.T) {
	for _, n := range []int{499, 500, 501, 600} {
		got := Truncate(strings.Repeat("a", n), MaxExcerptLen)
		assert.LessOrEqual(t, len([]rune(got)), MaxExcerptLen, "input length %d", n)
	}
}
