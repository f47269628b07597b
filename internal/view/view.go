// Package view renders bus events as human-readable progress on the logger,
// so a bare daemon shows what it is doing.
package view

import (
	"log/slog"
	"sync"

	"github.com/vodarr/vodarr/internal/download"
	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/pkg/bytesize"
)

// Console is the default event consumer wired by the daemon. It keeps a small
// amount of progress state so chunk events can be summarized instead of
// logged one by one.
type Console struct {
	logger *slog.Logger

	mu         sync.Mutex
	total      int
	toLoad     int
	chunkDone  int
	wholeDone  int
	totalBytes int64
}

// NewConsole builds a console view on the given logger.
func NewConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger}
}

// Attach subscribes the view to everything it renders.
func (c *Console) Attach(bus *events.Bus) {
	bus.Subscribe(c,
		events.TypeStreamChanged,
		events.TypeStreamOffline,
		events.TypeDownload,
		events.TypeException,
	)
}

// HandleEvent implements events.Handler.
func (c *Console) HandleEvent(e events.Event) {
	switch e := e.(type) {
	case events.StreamOnline:
		c.logger.Info("stream online",
			slog.String("channel", e.Channel),
			slog.String("game", e.Game),
			slog.String("title", e.Title))
	case events.StreamChanged:
		c.logger.Info("stream changed",
			slog.String("channel", e.Channel),
			slog.String("game", e.Game),
			slog.String("title", e.Title))
	case events.StreamOffline:
		c.logger.Info("stream offline", slog.String("channel", e.Channel))
	case events.AwaitingStream:
		c.logger.Info("waiting for recording to appear",
			slog.String("channel", e.Channel),
			slog.Duration("retry_in", e.SleepTime))
	case events.BeginDownloading:
		c.reset()
		c.logger.Info("download started",
			slog.String("video_id", e.VideoID),
			slog.String("channel", e.Channel))
	case events.BeginDownloadingLive:
		c.reset()
		c.logger.Info("live download started", slog.String("channel", e.Channel))
	case events.PlaylistUpdated:
		c.onPlaylistUpdated(e)
	case events.DownloadedChunk:
		c.onChunk()
	case events.SegmentGap:
		c.logger.Warn("segments lost to the live window",
			slog.String("channel", e.Channel),
			slog.Int("from", e.From),
			slog.Int("to", e.To))
	case events.EndDownloading:
		c.logger.Info("download finished",
			slog.String("video_id", e.VideoID),
			slog.String("channel", e.Channel),
			slog.Int("segments", c.downloaded()),
			slog.String("size", c.size()))
	case events.EndDownloadingLive:
		c.logger.Info("live download finished",
			slog.String("channel", e.Channel),
			slog.Int("segments", c.downloaded()),
			slog.String("size", c.size()))
	case events.ExceptionEvent:
		c.logger.Error(e.Message)
	}
}

// HandleProgress accumulates byte counts from the download manager. Wire it
// as the manager's ProgressFunc.
func (c *Console) HandleProgress(d download.ProgressData) {
	if d.DataSize == nil {
		return
	}
	c.mu.Lock()
	c.totalBytes += *d.DataSize
	c.mu.Unlock()
}

func (c *Console) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = 0
	c.toLoad = 0
	c.chunkDone = 0
	c.wholeDone = 0
	c.totalBytes = 0
}

func (c *Console) onPlaylistUpdated(e events.PlaylistUpdated) {
	c.mu.Lock()
	c.total = e.Total
	c.toLoad = e.ToLoad
	c.chunkDone = 0
	c.mu.Unlock()

	c.logger.Info("playlist updated",
		slog.Int("total", e.Total),
		slog.Int("to_load", e.ToLoad))
}

// onChunk counts a written segment and reports when the current batch is
// fully drained.
func (c *Console) onChunk() {
	c.mu.Lock()
	c.chunkDone++
	c.wholeDone++
	batchDone := c.toLoad > 0 && c.chunkDone == c.toLoad
	done, total, size := c.wholeDone, c.total, bytesize.Format(bytesize.Size(c.totalBytes))
	c.mu.Unlock()

	if batchDone {
		c.logger.Info("segments downloaded",
			slog.Int("downloaded", done),
			slog.Int("total", total),
			slog.String("size", size))
	} else {
		c.logger.Debug("segment downloaded",
			slog.Int("downloaded", done),
			slog.Int("total", total))
	}
}

func (c *Console) downloaded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wholeDone
}

func (c *Console) size() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytesize.Format(bytesize.Size(c.totalBytes))
}
