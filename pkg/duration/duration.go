// Package duration extends time.ParseDuration with day and week units for
// config values such as temp-file retention ("2d") and index pruning ("4w").
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

var extendedUnits = map[string]time.Duration{
	"d":     Day,
	"day":   Day,
	"days":  Day,
	"w":     Week,
	"wk":    Week,
	"week":  Week,
	"weeks": Week,
}

// extendedPattern matches day/week components, with optional whitespace
// between number and unit: "2d", "2 days", "1w12h".
var extendedPattern = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d)`)

// Parse parses a duration string. Everything time.ParseDuration accepts is
// accepted; in addition "d" (day) and "w" (week) components may appear before
// the standard units, e.g. "1w2d12h".
func Parse(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	s = strings.TrimSpace(s)

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	var extended time.Duration
	remaining := extendedPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := extendedPattern.FindStringSubmatch(match)
		value, _ := strconv.ParseInt(parts[1], 10, 64)
		if unit, ok := extendedUnits[strings.ToLower(parts[2])]; ok {
			extended += time.Duration(value) * unit
		}
		return ""
	})

	remaining = strings.Join(strings.Fields(remaining), "")

	var total time.Duration
	if remaining != "" {
		parsed, err := time.ParseDuration(remaining)
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
		total = parsed
	}
	total += extended

	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is Parse for compile-time constants; it panics on error.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders a duration using the largest fitting units, omitting zero
// components: 26h becomes "1d2h", 90s becomes "1m30s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	var b strings.Builder

	weeks := d / Week
	d -= weeks * Week
	days := d / Day
	d -= days * Day
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second

	if weeks > 0 {
		fmt.Fprintf(&b, "%dw", weeks)
	}
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dm", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&b, "%ds", seconds)
	}
	if d >= time.Millisecond {
		fmt.Fprintf(&b, "%dms", d/time.Millisecond)
	}

	if b.Len() == 0 {
		return "0s"
	}
	if negative {
		return "-" + b.String()
	}
	return b.String()
}
