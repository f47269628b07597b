// Package twitch implements the platform API surface the capture pipeline
// consumes: the Helix endpoints for streams, videos, users and webhook hub
// requests, and the usher endpoints serving variant playlists.
package twitch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// RecordingGrace is how long after the reported end (created_at + duration)
// a video is still treated as an ongoing recording. The platform keeps
// updating duration with a lag, so a hard cutoff misclassifies live VODs.
const RecordingGrace = 5 * time.Minute

// StreamInfo is a snapshot of a live broadcast.
type StreamInfo struct {
	Channel   string
	ChannelID string
	Game      string
	Title     string
	StartedAt time.Time
	Raw       json.RawMessage
}

// Equal reports whether two snapshots describe the same broadcast state.
// The raw payload is excluded: it carries volatile counters such as viewer
// numbers that must not retrigger change events.
func (s StreamInfo) Equal(o StreamInfo) bool {
	return s.Channel == o.Channel &&
		s.ChannelID == o.ChannelID &&
		s.Game == o.Game &&
		s.Title == o.Title &&
		s.StartedAt.Equal(o.StartedAt)
}

// VideoInfo is a recorded or still-recording broadcast.
type VideoInfo struct {
	ID        string
	Title     string
	Type      string
	Channel   string
	CreatedAt time.Time
	Duration  int
	Raw       json.RawMessage
}

// IsRecording reports whether the video still looked like an ongoing
// recording at the given instant.
func (v VideoInfo) IsRecording(now time.Time) bool {
	end := v.CreatedAt.Add(time.Duration(v.Duration) * time.Second)
	return now.Sub(end) < RecordingGrace
}

// User is a platform account resolved through the users endpoint.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

var videoDurationRE = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseDuration converts the compact video duration form ("3h8m33s",
// "58m21s", "26s") into whole seconds. At least one component must be
// present.
func ParseDuration(s string) (int, error) {
	m := videoDurationRE.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, fmt.Errorf("malformed video duration %q", s)
	}
	total := 0
	for i, unit := range []int{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("malformed video duration %q: %w", s, err)
		}
		total += n * unit
	}
	return total, nil
}

// FormatDuration renders seconds in the compact form ParseDuration accepts.
// Lower units are kept once a higher unit appears ("1h0m30s"), which makes
// it the inverse of ParseDuration on its own output.
func FormatDuration(seconds int) string {
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
