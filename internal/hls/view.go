package hls

import (
	"context"
	"fmt"

	"github.com/vodarr/vodarr/pkg/httpclient"
)

// VariantFetch obtains the variant playlist text for the broadcast a view
// tracks. The usher client provides implementations for VODs and channels.
type VariantFetch func(ctx context.Context) (string, error)

// VODView tracks the media playlist of a recording. Segments form a growing
// prefix of a stable list; the view keeps the full list from the latest
// refresh and answers queries relative to a cursor.
type VODView struct {
	quality string
	fetch   VariantFetch
	http    *httpclient.Client

	url      string
	base     string
	segments []Segment
	endlist  bool
}

// NewVODView creates a view for the given quality. The media playlist URL is
// resolved from the variant playlist on first refresh.
func NewVODView(quality string, fetch VariantFetch, client *httpclient.Client) *VODView {
	return &VODView{quality: quality, fetch: fetch, http: client}
}

// URL returns the resolved media playlist URL, or "" before the first
// refresh.
func (v *VODView) URL() string { return v.url }

// BaseURI returns the base against which segment names resolve.
func (v *VODView) BaseURI() string { return v.base }

// Endlist reports whether the last refresh saw the endlist marker.
func (v *VODView) Endlist() bool { return v.endlist }

// Total returns the number of segments in the last refreshed playlist.
func (v *VODView) Total() int { return len(v.segments) }

// Invalidate drops the cached media playlist URL so the next refresh
// re-resolves it through the variant playlist. Playlist URLs expire while a
// long recording is still growing.
func (v *VODView) Invalidate() { v.url = "" }

// Refresh fetches the media playlist. With useCachedURL false, or when no
// URL is cached yet, the variant playlist is fetched first and the rendition
// matching the view's quality adopted.
func (v *VODView) Refresh(ctx context.Context, useCachedURL bool) error {
	if !useCachedURL || v.url == "" {
		if err := v.resolveURL(ctx); err != nil {
			return err
		}
	}

	body, err := v.http.GetBody(ctx, v.url)
	if err != nil {
		return fmt.Errorf("fetching media playlist: %w", err)
	}
	media, err := unmarshalMedia(body)
	if err != nil {
		return err
	}

	segments := make([]Segment, 0, len(media.Segments))
	for i, seg := range media.Segments {
		num, err := ParseSegmentName(seg.URI)
		if err != nil {
			// Renditions that do not follow the numeric convention are
			// still downloadable by position.
			num = i
		}
		segments = append(segments, Segment{Number: num, Name: seg.URI, Duration: seg.Duration})
	}
	v.segments = segments
	v.endlist = media.Endlist
	return nil
}

// SegmentsAfter returns the segments whose number is strictly greater than
// marker, in playlist order. A marker below zero returns everything.
func (v *VODView) SegmentsAfter(marker int) []Segment {
	for i, seg := range v.segments {
		if seg.Number > marker {
			return v.segments[i:]
		}
	}
	return nil
}

// SegmentsAfterName is SegmentsAfter with a segment name as the marker.
func (v *VODView) SegmentsAfterName(name string) ([]Segment, error) {
	num, err := ParseSegmentName(name)
	if err != nil {
		return nil, err
	}
	return v.SegmentsAfter(num), nil
}

func (v *VODView) resolveURL(ctx context.Context) error {
	text, err := v.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching variant playlist: %w", err)
	}
	u, err := SelectVariant(text, v.quality)
	if err != nil {
		return err
	}
	v.url = u
	v.base = BaseURI(u)
	return nil
}

// Gap reports a live window slip: the server's sliding window moved past the
// last stored segment, so the broadcast between From (exclusive) and To
// (exclusive) is unrecoverable.
type Gap struct {
	From int
	To   int
}

// LiveView tracks the sliding media playlist window of a live broadcast. It
// keeps an internal FIFO of the segments seen so far, capped at max entries,
// and appends only entries newer than the last stored sequence on refresh.
type LiveView struct {
	quality string
	fetch   VariantFetch
	http    *httpclient.Client
	max     int

	url     string
	base    string
	window  []Segment
	primed  bool
	endlist bool
}

// NewLiveView creates a live view keeping at most max segments. The media
// playlist URL is resolved once and cached for the session; live playlist
// URLs outlive any single broadcast.
func NewLiveView(quality string, fetch VariantFetch, client *httpclient.Client, max int) *LiveView {
	return &LiveView{quality: quality, fetch: fetch, http: client, max: max}
}

// URL returns the resolved media playlist URL, or "" before the first
// refresh.
func (v *LiveView) URL() string { return v.url }

// BaseURI returns the base against which segment names resolve.
func (v *LiveView) BaseURI() string { return v.base }

// Endlist reports whether the last refresh saw the endlist marker, meaning
// the broadcast ended.
func (v *LiveView) Endlist() bool { return v.endlist }

// Total returns the number of segments currently stored in the window.
func (v *LiveView) Total() int { return len(v.window) }

// Invalidate drops the cached media playlist URL so the next refresh
// re-resolves it through the variant playlist.
func (v *LiveView) Invalidate() { v.url = "" }

// Refresh fetches the playlist window and appends unseen segments. A non-nil
// Gap means the window slipped past the stored tail; the view has already
// resumed from the new window start, and the caller is expected to surface
// the discontinuity. A window whose media sequence regressed below the
// stored tail is an error, not a silent no-op.
func (v *LiveView) Refresh(ctx context.Context) (*Gap, error) {
	if v.url == "" {
		if err := v.resolveURL(ctx); err != nil {
			return nil, err
		}
	}

	body, err := v.http.GetBody(ctx, v.url)
	if err != nil {
		return nil, fmt.Errorf("fetching media playlist: %w", err)
	}
	media, err := unmarshalMedia(body)
	if err != nil {
		return nil, err
	}
	if tail := v.lastStored(); len(media.Segments) > 0 {
		if windowEnd := int(media.MediaSequence) + len(media.Segments) - 1; windowEnd < tail {
			return nil, fmt.Errorf("media sequence regressed: window ends at %d, stored tail is %d", windowEnd, tail)
		}
	}
	v.endlist = media.Endlist

	var gap *Gap
	last := v.lastStored()
	for i, seg := range media.Segments {
		num := int(media.MediaSequence) + i
		if num <= last {
			continue
		}
		if v.primed && num > last+1 {
			gap = &Gap{From: last, To: num}
		}
		v.window = append(v.window, Segment{Number: num, Name: seg.URI, Duration: seg.Duration})
		last = num
		v.primed = true
	}
	if excess := len(v.window) - v.max; excess > 0 {
		v.window = v.window[excess:]
	}
	return gap, nil
}

// SegmentsAfter returns stored segments with sequence strictly greater than
// seq, oldest first. A negative seq returns the whole window.
func (v *LiveView) SegmentsAfter(seq int) []Segment {
	for i, seg := range v.window {
		if seg.Number > seq {
			return v.window[i:]
		}
	}
	return nil
}

func (v *LiveView) lastStored() int {
	if len(v.window) == 0 {
		return -1
	}
	return v.window[len(v.window)-1].Number
}

func (v *LiveView) resolveURL(ctx context.Context) error {
	text, err := v.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching variant playlist: %w", err)
	}
	u, err := SelectVariant(text, v.quality)
	if err != nil {
		return err
	}
	v.url = u
	v.base = BaseURI(u)
	return nil
}
