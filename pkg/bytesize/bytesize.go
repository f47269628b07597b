// Package bytesize provides byte size parsing and formatting for config
// values ("5GB" minimum free space) and progress logging. Units use the
// binary (1024) base; KiB style suffixes are accepted as aliases.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

var multipliers = map[string]Size{
	"":      B,
	"b":     B,
	"byte":  B,
	"bytes": B,
	"k":     KB,
	"kb":    KB,
	"kib":   KB,
	"m":     MB,
	"mb":    MB,
	"mib":   MB,
	"g":     GB,
	"gb":    GB,
	"gib":   GB,
	"t":     TB,
	"tb":    TB,
	"tib":   TB,
}

// sizePattern matches a number (int or float) followed by an optional unit.
var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// Parse parses strings like "5GB", "1.5 GiB" or "1024". A bare number is a
// byte count.
func Parse(s string) (Size, error) {
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}

	mult, ok := multipliers[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", m[2])
	}

	return Size(value * float64(mult)), nil
}

// MustParse is Parse for compile-time constants; it panics on error.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

// Format renders a size with the largest unit that keeps the value >= 1.
func Format(s Size) string {
	if s == 0 {
		return "0B"
	}

	negative := s < 0
	if negative {
		s = -s
	}

	var out string
	switch {
	case s >= TB:
		out = trimmed(float64(s)/float64(TB), "TB")
	case s >= GB:
		out = trimmed(float64(s)/float64(GB), "GB")
	case s >= MB:
		out = trimmed(float64(s)/float64(MB), "MB")
	case s >= KB:
		out = trimmed(float64(s)/float64(KB), "KB")
	default:
		out = fmt.Sprintf("%dB", s)
	}

	if negative {
		return "-" + out
	}
	return out
}

func trimmed(value float64, unit string) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d%s", int64(value), unit)
	}
	formatted := strings.TrimRight(fmt.Sprintf("%.2f", value), "0")
	formatted = strings.TrimRight(formatted, ".")
	return formatted + unit
}

// Bytes returns the size as an int64 byte count.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(s) }
