package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"30s", 30 * time.Second},
		{"1h23m45s", time.Hour + 23*time.Minute + 45*time.Second},
		{"1d", Day},
		{"2 days", 2 * Day},
		{"1w", Week},
		{"1w2d12h", Week + 2*Day + 12*time.Hour},
		{"90m", 90 * time.Minute},
		{"-1d", -Day},
		{"1 week 30m", Week + 30*time.Minute},
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
	for _, input := range []string{"", "   ", "abc", "12", "1x"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m30s"},
		{26 * time.Hour, "1d2h"},
		{Week + Day, "1w1d"},
		{time.Hour + 10*time.Second, "1h10s"},
		{-Day, "-1d"},
		{1500 * time.Millisecond, "1s500ms"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.d))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{time.Second, time.Minute, Day + time.Hour, 3 * Week} {
		parsed, err := Parse(Format(d))
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
}
