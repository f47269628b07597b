package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Size
	}{
		{"1024", 1024},
		{"1KB", KB},
		{"1k", KB},
		{"1KiB", KB},
		{"5MB", 5 * MB},
		{"1.5GB", Size(1.5 * float64(GB))},
		{"2 TB", 2 * TB},
		{"0", 0},
		{"500 kb", 500 * KB},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{"", "abc", "5XB", "-5MB", "5 5MB"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		size Size
		want string
	}{
		{0, "0B"},
		{512, "512B"},
		{KB, "1KB"},
		{1536, "1.5KB"},
		{5 * MB, "5MB"},
		{Size(1.25 * float64(GB)), "1.25GB"},
		{2 * TB, "2TB"},
		{-KB, "-1KB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.size))
			if tt.size >= 0 {
				assert.Equal(t, tt.want, tt.size.String())
			}
		})
	}
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("not a size") })
	assert.Equal(t, 5*GB, MustParse("5GB"))
}
