package strings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil input", nil, nil},
		{"trims and drops empties", []string{"  foo ", "", "  "}, []string{"foo"}},
		{"removes duplicates preserving order", []string{"b", "a", "b", "a"}, []string{"b", "a"}},
		{"duplicate after trim", []string{"foo", " foo "}, []string{"foo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DedupeAndTrim(tt.in))
		})
	}
}
