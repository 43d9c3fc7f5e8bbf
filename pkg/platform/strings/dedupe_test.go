package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "removes duplicates preserving first appearance",
			in:   []string{"user.contact", "user.financial", "user.contact"},
			want: []string{"user.contact", "user.financial"},
		},
		{
			name: "trims whitespace before comparing",
			in:   []string{" user.contact ", "user.contact"},
			want: []string{"user.contact"},
		},
		{
			name: "drops empty and whitespace-only entries",
			in:   []string{"", "  ", "user.contact"},
			want: []string{"user.contact"},
		},
		{
			name: "nil stays nil",
			in:   nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DedupeAndTrim(tt.in))
		})
	}
}
