// Package hls provides the playlist views that track a broadcast's media
// playlist: a VOD view over a growing prefix of a stable segment list, and
// a live view over the server's sliding window.
package hls

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Segment is one entry of a media playlist. Number is the media sequence
// number; for VOD playlists, which carry no explicit sequence, it is the
// position in the list. Name is the URI exactly as published, relative for
// VODs and absolute for live windows.
type Segment struct {
	Number   int
	Name     string
	Duration time.Duration
}

var segmentNameRE = regexp.MustCompile(`^(\d+)(?:-muted)?\.ts$`)

// ParseSegmentName recovers the sequence number from a VOD segment name of
// the form "<n>[-muted].ts".
func ParseSegmentName(name string) (int, error) {
	m := segmentNameRE.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("unrecognized segment name %q", name)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("unrecognized segment name %q: %w", name, err)
	}
	return n, nil
}

func unmarshalMedia(data []byte) (*playlist.Media, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing media playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got %T", pl)
	}
	return media, nil
}

func unmarshalMultivariant(data []byte) (*playlist.Multivariant, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing variant playlist: %w", err)
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, fmt.Errorf("expected variant playlist, got %T", pl)
	}
	return mv, nil
}
