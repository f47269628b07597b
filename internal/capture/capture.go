// Package capture turns StreamOnline events into finished recordings. It
// allocates a temp file, drives the download manager in the configured mode,
// and hands the result to the storage finalizer.
package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/internal/twitch"
)

// Default tuning values.
const (
	DefaultWaitVODDelay   = 10 * time.Second
	DefaultVODMatchWindow = time.Minute
)

// VideoAPI finds the recordings behind a live stream.
type VideoAPI interface {
	GetVideos(ctx context.Context, channel, videoType string, limit int) ([]twitch.VideoInfo, error)
}

// Downloader captures a broadcast into a sink.
type Downloader interface {
	DownloadArchive(ctx context.Context, videoID string, sink io.Writer, resume int) error
	DownloadLive(ctx context.Context, channel string, sink io.Writer) error
}

// Finalizer moves a finished capture into permanent storage.
type Finalizer interface {
	Add(ctx context.Context, video twitch.VideoInfo, path string) (string, error)
	AddedBroadcastIDs(ctx context.Context, broadcastType string) (map[string]struct{}, error)
}

// Config tunes the capture pipeline.
type Config struct {
	// Mode selects what gets captured: "vod" waits for the matching archive
	// recording, "live" records the live playlist directly.
	Mode     string
	TempDir  string
	ErrorDir string
	// WaitVODDelay is the poll period while waiting for the archive
	// recording of a fresh stream to appear.
	WaitVODDelay time.Duration
	// VODMatchWindow bounds |video created_at - stream started_at| for a
	// recording to count as this stream's VOD.
	VODMatchWindow time.Duration
	// MinFreeSpace refuses new captures when the temp volume has less free
	// space than this. Zero disables the check.
	MinFreeSpace uint64
	Logger       *slog.Logger
}

type sessionState string

const (
	stateWaitingForVOD sessionState = "waiting_for_vod"
	stateDownloading   sessionState = "downloading"
	stateFinalizing    sessionState = "finalizing"
	stateDone          sessionState = "done"
	stateFailed        sessionState = "failed"
)

// Recorder subscribes to StreamOnline events and runs one capture session
// per (channel id, started at) pair.
type Recorder struct {
	events.Publisher

	api    VideoAPI
	dl     Downloader
	fin    Finalizer
	cfg    Config
	logger *slog.Logger

	// freeBytes reports free space on the volume holding path.
	freeBytes func(path string) (uint64, error)

	mu     sync.Mutex
	active map[string]map[int64]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder builds a Recorder and prepares its temp and error directories.
func NewRecorder(api VideoAPI, dl Downloader, fin Finalizer, cfg Config) (*Recorder, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WaitVODDelay <= 0 {
		cfg.WaitVODDelay = DefaultWaitVODDelay
	}
	if cfg.VODMatchWindow <= 0 {
		cfg.VODMatchWindow = DefaultVODMatchWindow
	}

	for _, dir := range []string{cfg.TempDir, cfg.ErrorDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	return &Recorder{
		api:    api,
		dl:     dl,
		fin:    fin,
		cfg:    cfg,
		logger: cfg.Logger,
		freeBytes: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
		active: make(map[string]map[int64]struct{}),
	}, nil
}

// Start arms the recorder. Events arriving before Start are dropped.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx, r.cancel = context.WithCancel(ctx)
}

// Stop cancels running sessions and waits for them to wind down.
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// HandleEvent reacts to StreamOnline notifications from the bus.
func (r *Recorder) HandleEvent(e events.Event) {
	online, ok := e.(events.StreamOnline)
	if !ok {
		return
	}

	r.mu.Lock()
	ctx := r.ctx
	if ctx == nil || ctx.Err() != nil {
		r.mu.Unlock()
		r.logger.Warn("dropping stream online event, recorder not running",
			slog.String("channel", online.Channel))
		return
	}
	if !r.claim(online.ChannelID, online.StartedAt) {
		r.mu.Unlock()
		r.logger.Debug("capture already running",
			slog.String("channel", online.Channel),
			slog.Time("started_at", online.StartedAt))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.release(online.ChannelID, online.StartedAt)
		r.run(ctx, online)
	}()
}

// claim records the session in the dedup set. The caller holds r.mu.
func (r *Recorder) claim(channelID string, startedAt time.Time) bool {
	set, ok := r.active[channelID]
	if !ok {
		set = make(map[int64]struct{})
		r.active[channelID] = set
	}
	key := startedAt.Unix()
	if _, running := set[key]; running {
		return false
	}
	set[key] = struct{}{}
	return true
}

func (r *Recorder) release(channelID string, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.active[channelID]; ok {
		delete(set, startedAt.Unix())
		if len(set) == 0 {
			delete(r.active, channelID)
		}
	}
}

// run drives one capture session through its states. Failures are contained
// to the session.
func (r *Recorder) run(ctx context.Context, online events.StreamOnline) {
	logger := r.logger.With(
		slog.String("channel", online.Channel),
		slog.Time("started_at", online.StartedAt),
	)

	if err := r.checkFreeSpace(); err != nil {
		logger.Error("refusing capture", slog.String("error", err.Error()))
		r.Publish(events.NewExceptionEvent(fmt.Sprintf("capture on %s refused: %v", online.Channel, err)))
		return
	}

	path := filepath.Join(r.cfg.TempDir, fmt.Sprintf("vodarr-%s.ts", ulid.Make()))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		logger.Error("creating temp file failed", slog.String("error", err.Error()))
		r.Publish(events.NewExceptionEvent(fmt.Sprintf("capture on %s failed: %v", online.Channel, err)))
		return
	}
	logger.Info("capture session started", slog.String("temp_file", path))

	video, err := r.download(ctx, online, file, logger)
	if cerr := file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		r.fail(online, path, err, logger)
		return
	}

	r.transition(logger, stateFinalizing)
	final, err := r.fin.Add(ctx, *video, path)
	if err != nil {
		r.fail(online, path, err, logger)
		return
	}

	r.transition(logger, stateDone)
	logger.Info("capture finished", slog.String("path", final))
}

// download runs the mode-specific capture and returns the video metadata to
// finalize under.
func (r *Recorder) download(ctx context.Context, online events.StreamOnline, file *os.File, logger *slog.Logger) (*twitch.VideoInfo, error) {
	if r.cfg.Mode == "live" {
		r.transition(logger, stateDownloading)
		if err := r.dl.DownloadLive(ctx, online.Channel, file); err != nil {
			return nil, fmt.Errorf("live download: %w", err)
		}
		return &twitch.VideoInfo{
			ID:        ulid.Make().String(),
			Title:     online.Title,
			Type:      "live",
			Channel:   online.Channel,
			CreatedAt: online.StartedAt,
		}, nil
	}

	r.transition(logger, stateWaitingForVOD)
	video, err := r.waitForVOD(ctx, online)
	if err != nil {
		return nil, err
	}

	r.transition(logger, stateDownloading)
	if err := r.dl.DownloadArchive(ctx, video.ID, file, -1); err != nil {
		return nil, fmt.Errorf("archive download: %w", err)
	}
	return video, nil
}

// waitForVOD polls until the recording belonging to this stream shows up.
func (r *Recorder) waitForVOD(ctx context.Context, online events.StreamOnline) (*twitch.VideoInfo, error) {
	for {
		videos, err := r.api.GetVideos(ctx, online.Channel, "archive", 10)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("listing videos failed",
				slog.String("channel", online.Channel),
				slog.String("error", err.Error()))
		} else if video := r.matchVOD(ctx, videos, online.StartedAt); video != nil {
			return video, nil
		}

		r.Publish(events.NewAwaitingStream(online.Channel, r.cfg.WaitVODDelay))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.WaitVODDelay):
		}
	}
}

// matchVOD picks the recording created when the stream started, skipping
// broadcasts already present in the index.
func (r *Recorder) matchVOD(ctx context.Context, videos []twitch.VideoInfo, startedAt time.Time) *twitch.VideoInfo {
	added, err := r.fin.AddedBroadcastIDs(ctx, "archive")
	if err != nil {
		r.logger.Warn("reading broadcast index failed", slog.String("error", err.Error()))
		added = nil
	}

	for i := range videos {
		v := &videos[i]
		if absDuration(v.CreatedAt.Sub(startedAt)) >= r.cfg.VODMatchWindow {
			continue
		}
		if _, done := added[v.ID]; done {
			continue
		}
		return v
	}
	return nil
}

// fail moves the partial capture aside and reports the error. Never fatal.
func (r *Recorder) fail(online events.StreamOnline, path string, err error, logger *slog.Logger) {
	r.transition(logger, stateFailed)
	logger.Error("capture failed", slog.String("error", err.Error()))

	errPath := filepath.Join(r.cfg.ErrorDir, filepath.Base(path))
	if mvErr := os.Rename(path, errPath); mvErr != nil {
		logger.Error("moving failed capture aside",
			slog.String("path", path),
			slog.String("error", mvErr.Error()))
	}

	r.Publish(events.NewExceptionEvent(fmt.Sprintf("capture on %s failed: %v", online.Channel, err)))
}

func (r *Recorder) checkFreeSpace() error {
	if r.cfg.MinFreeSpace == 0 {
		return nil
	}
	free, err := r.freeBytes(r.cfg.TempDir)
	if err != nil {
		return fmt.Errorf("checking free space: %w", err)
	}
	if free < r.cfg.MinFreeSpace {
		return fmt.Errorf("free space %d below floor %d", free, r.cfg.MinFreeSpace)
	}
	return nil
}

func (r *Recorder) transition(logger *slog.Logger, s sessionState) {
	logger.Debug("capture state", slog.String("state", string(s)))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
