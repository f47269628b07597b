// Package events provides the typed in-process event bus that connects the
// trackers, the download manager and the capture facade.
//
// Event types form a two-level hierarchy expressed through routing keys: a
// concrete type and an optional parent category. Publishing an event delivers
// it to subscribers of the concrete type and to subscribers of the category,
// in registration order.
package events

import (
	"time"
)

// Type is a routing key identifying an event type or category.
type Type string

// Routing keys. TypeDownload is a pure category grouping all download
// progress events; TypeStreamChanged doubles as the concrete type of
// StreamChanged and the category of StreamOnline.
const (
	TypeDownload Type = "download"

	TypeStreamChanged Type = "stream.changed"
	TypeStreamOnline  Type = "stream.online"
	TypeStreamOffline Type = "stream.offline"

	TypeBeginDownloading     Type = "download.begin"
	TypeEndDownloading       Type = "download.end"
	TypeBeginDownloadingLive Type = "download.begin_live"
	TypeEndDownloadingLive   Type = "download.end_live"
	TypePlaylistUpdated      Type = "download.playlist_updated"
	TypeDownloadedChunk      Type = "download.chunk"
	TypeSegmentGap           Type = "download.segment_gap"
	TypeAwaitingStream       Type = "download.awaiting_stream"

	TypeException Type = "exception"
)

// Event is an immutable record routed through the bus.
type Event interface {
	// EventType returns the concrete routing key.
	EventType() Type
	// EventCategory returns the parent routing key, or "" for events
	// directly under the root.
	EventCategory() Type
	// Timestamp returns the construction time of the event.
	Timestamp() time.Time
}

// Meta carries the construction timestamp shared by all event types.
type Meta struct {
	At time.Time
}

// NewMeta stamps the current time.
func NewMeta() Meta {
	return Meta{At: time.Now()}
}

// Timestamp implements Event.
func (m Meta) Timestamp() time.Time { return m.At }

// StreamChanged reports that a tracked channel is broadcasting with a new
// title, game or start time. StreamOnline derives from it, so subscribers of
// TypeStreamChanged observe both.
type StreamChanged struct {
	Meta
	Channel   string
	ChannelID string
	Game      string
	Title     string
	StartedAt time.Time
}

// NewStreamChanged builds a StreamChanged stamped with the current time.
func NewStreamChanged(channel, channelID, game, title string, startedAt time.Time) StreamChanged {
	return StreamChanged{
		Meta:      NewMeta(),
		Channel:   channel,
		ChannelID: channelID,
		Game:      game,
		Title:     title,
		StartedAt: startedAt,
	}
}

func (StreamChanged) EventType() Type     { return TypeStreamChanged }
func (StreamChanged) EventCategory() Type { return "" }

// StreamOnline reports an offline-to-online transition of a tracked channel.
type StreamOnline struct {
	Meta
	Channel   string
	ChannelID string
	Game      string
	Title     string
	StartedAt time.Time
}

// NewStreamOnline builds a StreamOnline stamped with the current time.
func NewStreamOnline(channel, channelID, game, title string, startedAt time.Time) StreamOnline {
	return StreamOnline{
		Meta:      NewMeta(),
		Channel:   channel,
		ChannelID: channelID,
		Game:      game,
		Title:     title,
		StartedAt: startedAt,
	}
}

func (StreamOnline) EventType() Type     { return TypeStreamOnline }
func (StreamOnline) EventCategory() Type { return TypeStreamChanged }

// StreamOffline reports an online-to-offline transition.
type StreamOffline struct {
	Meta
	Channel string
}

// NewStreamOffline builds a StreamOffline stamped with the current time.
func NewStreamOffline(channel string) StreamOffline {
	return StreamOffline{Meta: NewMeta(), Channel: channel}
}

func (StreamOffline) EventType() Type     { return TypeStreamOffline }
func (StreamOffline) EventCategory() Type { return "" }

// BeginDownloading marks the start of an archive download.
type BeginDownloading struct {
	Meta
	VideoID string
	Channel string
}

// NewBeginDownloading builds a BeginDownloading stamped with the current time.
func NewBeginDownloading(videoID, channel string) BeginDownloading {
	return BeginDownloading{Meta: NewMeta(), VideoID: videoID, Channel: channel}
}

func (BeginDownloading) EventType() Type     { return TypeBeginDownloading }
func (BeginDownloading) EventCategory() Type { return TypeDownload }

// EndDownloading marks the completion of an archive download.
type EndDownloading struct {
	Meta
	VideoID string
	Channel string
}

// NewEndDownloading builds an EndDownloading stamped with the current time.
func NewEndDownloading(videoID, channel string) EndDownloading {
	return EndDownloading{Meta: NewMeta(), VideoID: videoID, Channel: channel}
}

func (EndDownloading) EventType() Type     { return TypeEndDownloading }
func (EndDownloading) EventCategory() Type { return TypeDownload }

// BeginDownloadingLive marks the start of a live download.
type BeginDownloadingLive struct {
	Meta
	Channel string
}

// NewBeginDownloadingLive builds a BeginDownloadingLive stamped with the
// current time.
func NewBeginDownloadingLive(channel string) BeginDownloadingLive {
	return BeginDownloadingLive{Meta: NewMeta(), Channel: channel}
}

func (BeginDownloadingLive) EventType() Type     { return TypeBeginDownloadingLive }
func (BeginDownloadingLive) EventCategory() Type { return TypeDownload }

// EndDownloadingLive marks the completion of a live download.
type EndDownloadingLive struct {
	Meta
	Channel string
}

// NewEndDownloadingLive builds an EndDownloadingLive stamped with the
// current time.
func NewEndDownloadingLive(channel string) EndDownloadingLive {
	return EndDownloadingLive{Meta: NewMeta(), Channel: channel}
}

func (EndDownloadingLive) EventType() Type     { return TypeEndDownloadingLive }
func (EndDownloadingLive) EventCategory() Type { return TypeDownload }

// PlaylistUpdated reports the playlist size after a refresh that found new
// segments.
type PlaylistUpdated struct {
	Meta
	Total  int
	ToLoad int
}

// NewPlaylistUpdated builds a PlaylistUpdated stamped with the current time.
func NewPlaylistUpdated(total, toLoad int) PlaylistUpdated {
	return PlaylistUpdated{Meta: NewMeta(), Total: total, ToLoad: toLoad}
}

func (PlaylistUpdated) EventType() Type     { return TypePlaylistUpdated }
func (PlaylistUpdated) EventCategory() Type { return TypeDownload }

// DownloadedChunk reports one segment written to the sink.
type DownloadedChunk struct {
	Meta
}

// NewDownloadedChunk builds a DownloadedChunk stamped with the current time.
func NewDownloadedChunk() DownloadedChunk {
	return DownloadedChunk{Meta: NewMeta()}
}

func (DownloadedChunk) EventType() Type     { return TypeDownloadedChunk }
func (DownloadedChunk) EventCategory() Type { return TypeDownload }

// SegmentGap reports that the live sliding window slipped past the cursor,
// leaving a permanent discontinuity in the recording. From is the last
// written media sequence, To the first available one.
type SegmentGap struct {
	Meta
	Channel string
	From    int
	To      int
}

// NewSegmentGap builds a SegmentGap stamped with the current time.
func NewSegmentGap(channel string, from, to int) SegmentGap {
	return SegmentGap{Meta: NewMeta(), Channel: channel, From: from, To: to}
}

func (SegmentGap) EventType() Type     { return TypeSegmentGap }
func (SegmentGap) EventCategory() Type { return TypeDownload }

// AwaitingStream reports that the capture facade is waiting for the
// platform to materialize a recording of a live broadcast.
type AwaitingStream struct {
	Meta
	Channel   string
	SleepTime time.Duration
}

// NewAwaitingStream builds an AwaitingStream stamped with the current time.
func NewAwaitingStream(channel string, sleepTime time.Duration) AwaitingStream {
	return AwaitingStream{Meta: NewMeta(), Channel: channel, SleepTime: sleepTime}
}

func (AwaitingStream) EventType() Type     { return TypeAwaitingStream }
func (AwaitingStream) EventCategory() Type { return TypeDownload }

// ExceptionEvent surfaces a caught error to notifier subscribers.
type ExceptionEvent struct {
	Meta
	Message string
}

// NewExceptionEvent builds an ExceptionEvent stamped with the current time.
func NewExceptionEvent(message string) ExceptionEvent {
	return ExceptionEvent{Meta: NewMeta(), Message: message}
}

func (ExceptionEvent) EventType() Type     { return TypeException }
func (ExceptionEvent) EventCategory() Type { return "" }
