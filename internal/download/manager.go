package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/internal/hls"
	"github.com/vodarr/vodarr/internal/twitch"
	"github.com/vodarr/vodarr/pkg/httpclient"
)

// Manager defaults.
const (
	DefaultPlaylistPeriod  = 60 * time.Second
	DefaultLivePeriod      = 2 * time.Second
	DefaultUpdatesToFinish = 10
	DefaultLiveMaxSegments = 300
)

// API is the slice of the platform surface the manager consumes.
type API interface {
	GetVideo(ctx context.Context, videoID string) (*twitch.VideoInfo, error)
	GetVariantPlaylist(ctx context.Context, videoID string) (string, error)
	GetLiveVariantPlaylist(ctx context.Context, channel string) (string, error)
}

// ManagerConfig configures a download manager.
type ManagerConfig struct {
	// Quality selects the rendition by its group id ("chunked" = source).
	Quality string

	// Concurrency, SegmentRetries and ChunkBudget configure the segment
	// fetcher; see FetcherConfig.
	Concurrency    int
	SegmentRetries int
	ChunkBudget    time.Duration

	// PlaylistPeriod is the refresh interval while a recording still grows.
	PlaylistPeriod time.Duration

	// LivePeriod is the refresh interval of a live sliding window.
	LivePeriod time.Duration

	// UpdatesToFinish is how many consecutive empty refreshes, combined with
	// the recording looking finished, end an archive download. The platform
	// sometimes keeps a finished video in recording state, or keeps growing
	// its duration, long after segments stop appearing.
	UpdatesToFinish int

	// LiveMaxSegments caps the live view's segment window.
	LiveMaxSegments int

	// HTTPClient serves playlist and segment fetches. When nil a dedicated
	// fixed-backoff client is built.
	HTTPClient *httpclient.Client

	// Progress receives progress samples, optionally.
	Progress ProgressFunc

	// Logger receives download diagnostics.
	Logger *slog.Logger
}

// DefaultManagerConfig returns the package defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Quality:         "chunked",
		Concurrency:     DefaultConcurrency,
		SegmentRetries:  DefaultSegmentRetries,
		ChunkBudget:     -1,
		PlaylistPeriod:  DefaultPlaylistPeriod,
		LivePeriod:      DefaultLivePeriod,
		UpdatesToFinish: DefaultUpdatesToFinish,
		LiveMaxSegments: DefaultLiveMaxSegments,
	}
}

// Manager orchestrates one broadcast download: playlist refreshes, segment
// fetching, progress events and the end-of-stream decision.
type Manager struct {
	events.Publisher

	api     API
	fetcher *Fetcher
	http    *httpclient.Client
	cfg     ManagerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a manager from cfg.
func NewManager(api API, cfg ManagerConfig) *Manager {
	if cfg.Quality == "" {
		cfg.Quality = "chunked"
	}
	if cfg.PlaylistPeriod <= 0 {
		cfg.PlaylistPeriod = DefaultPlaylistPeriod
	}
	if cfg.LivePeriod <= 0 {
		cfg.LivePeriod = DefaultLivePeriod
	}
	if cfg.UpdatesToFinish <= 0 {
		cfg.UpdatesToFinish = DefaultUpdatesToFinish
	}
	if cfg.LiveMaxSegments <= 0 {
		cfg.LiveMaxSegments = DefaultLiveMaxSegments
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fetcher := NewFetcher(FetcherConfig{
		Concurrency:    cfg.Concurrency,
		SegmentRetries: cfg.SegmentRetries,
		ChunkBudget:    cfg.ChunkBudget,
		HTTPClient:     cfg.HTTPClient,
		Logger:         cfg.Logger,
	})

	return &Manager{
		api:     api,
		fetcher: fetcher,
		http:    fetcher.http,
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// DownloadArchive captures the recording of videoID into sink, resuming
// after the resume segment number (-1 downloads from the start). It returns
// when the recording is finished and fully written, or on context
// cancellation.
func (m *Manager) DownloadArchive(ctx context.Context, videoID string, sink io.Writer, resume int) error {
	video, err := m.api.GetVideo(ctx, videoID)
	if err != nil {
		return fmt.Errorf("fetching video %s: %w", videoID, err)
	}

	view := hls.NewVODView(m.cfg.Quality, func(ctx context.Context) (string, error) {
		return m.api.GetVariantPlaylist(ctx, videoID)
	}, m.http)

	logger := m.logger.With(slog.String("video_id", videoID), slog.String("channel", video.Channel))
	logger.Info("starting archive download",
		slog.String("quality", m.cfg.Quality),
		slog.Int("resume_after", resume),
	)
	m.Publish(events.NewBeginDownloading(videoID, video.Channel))

	cursor := resume
	recording := video.IsRecording(m.now())
	window := newRing(m.cfg.UpdatesToFinish)
	useCached := true
	reportedFirst := false

	for {
		if err := view.Refresh(ctx, useCached); err != nil {
			if fatal, ferr := m.refreshFailed(ctx, logger, err, m.cfg.PlaylistPeriod); fatal {
				return ferr
			}
			continue
		}
		useCached = true

		toLoad := view.SegmentsAfter(cursor)
		window.push(len(toLoad) > 0)
		if !recording && !window.anyTrue() {
			break
		}

		if len(toLoad) > 0 {
			if !reportedFirst {
				reportedFirst = true
				m.report(ProgressData{FirstSegment: intPtr(toLoad[0].Number)})
			}
			m.report(ProgressData{LastSegment: intPtr(toLoad[len(toLoad)-1].Number)})
			m.Publish(events.NewPlaylistUpdated(view.Total(), len(toLoad)))

			last, err := m.fetcher.Download(ctx, toLoad, view.BaseURI(), sink, m.onSegment)
			if err != nil {
				return err
			}
			if last >= 0 {
				cursor = last
			} else {
				// Nothing at all was fetched from a non-empty list: the
				// playlist URL has likely expired. Re-resolve it through the
				// variant playlist on the next pass.
				logger.Warn("no segments fetched, re-resolving playlist url")
				view.Invalidate()
				useCached = false
			}
		}

		if v, err := m.api.GetVideo(ctx, videoID); err == nil {
			video = v
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("video info refresh failed", slog.String("error", err.Error()))
		}
		recording = video.IsRecording(m.now())

		if len(toLoad) == 0 {
			if err := sleepCtx(ctx, m.cfg.PlaylistPeriod); err != nil {
				return err
			}
		}
	}

	logger.Info("archive download finished", slog.Int("last_segment", cursor))
	m.Publish(events.NewEndDownloading(videoID, video.Channel))
	return nil
}

// DownloadLive captures the ongoing broadcast of channel into sink until the
// playlist ends. Window slips are surfaced as SegmentGap events and the
// download continues past the discontinuity.
func (m *Manager) DownloadLive(ctx context.Context, channel string, sink io.Writer) error {
	view := hls.NewLiveView(m.cfg.Quality, func(ctx context.Context) (string, error) {
		return m.api.GetLiveVariantPlaylist(ctx, channel)
	}, m.http, m.cfg.LiveMaxSegments)

	logger := m.logger.With(slog.String("channel", channel))
	logger.Info("starting live download", slog.String("quality", m.cfg.Quality))
	m.Publish(events.NewBeginDownloadingLive(channel))

	last := -1
	reportedFirst := false

	for {
		gap, err := view.Refresh(ctx)
		if err != nil {
			if fatal, ferr := m.refreshFailed(ctx, logger, err, m.cfg.LivePeriod); fatal {
				return ferr
			}
			continue
		}
		if gap != nil {
			logger.Warn("live window slipped past cursor",
				slog.Int("from", gap.From),
				slog.Int("to", gap.To),
			)
			m.Publish(events.NewSegmentGap(channel, gap.From, gap.To))
		}

		toLoad := view.SegmentsAfter(last)
		if len(toLoad) > 0 {
			if !reportedFirst {
				reportedFirst = true
				m.report(ProgressData{FirstSegment: intPtr(toLoad[0].Number)})
			}
			m.report(ProgressData{LastSegment: intPtr(toLoad[len(toLoad)-1].Number)})
			m.Publish(events.NewPlaylistUpdated(view.Total(), len(toLoad)))

			wrote, err := m.fetcher.Download(ctx, toLoad, view.BaseURI(), sink, m.onSegment)
			if err != nil {
				return err
			}
			if wrote >= 0 {
				last = wrote
			} else {
				logger.Warn("no segments fetched, re-resolving playlist url")
				view.Invalidate()
			}
		}

		if view.Endlist() {
			break
		}
		if len(toLoad) == 0 {
			if err := sleepCtx(ctx, m.cfg.LivePeriod); err != nil {
				return err
			}
		}
	}

	logger.Info("live download finished", slog.Int("last_segment", last))
	m.Publish(events.NewEndDownloadingLive(channel))
	return nil
}

// refreshFailed classifies a playlist refresh error. Unknown quality and
// context cancellation are fatal; transient failures are logged, waited out
// and retried.
func (m *Manager) refreshFailed(ctx context.Context, logger *slog.Logger, err error, period time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	var uq *hls.UnknownQualityError
	if errors.As(err, &uq) {
		return true, err
	}
	logger.Warn("playlist refresh failed", slog.String("error", err.Error()))
	if serr := sleepCtx(ctx, period); serr != nil {
		return true, serr
	}
	return false, nil
}

// onSegment forwards fetcher progress and turns written segments into
// DownloadedChunk events.
func (m *Manager) onSegment(d ProgressData) {
	if d.WriteSegment != nil {
		m.Publish(events.NewDownloadedChunk())
	}
	m.report(d)
}

func (m *Manager) report(d ProgressData) {
	if m.cfg.Progress != nil {
		m.cfg.Progress(d)
	}
}
