// Package housekeeping runs scheduled maintenance for the capture daemon:
// orphaned temp file sweeps, broadcast index retention, and a disk space
// watchdog.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/vodarr/vodarr/internal/database"
	"github.com/vodarr/vodarr/internal/storage"
)

// DefaultSyncInterval is how often due schedules are checked.
const DefaultSyncInterval = time.Minute

// tempPrefix marks capture temp files eligible for sweeping.
const tempPrefix = "vodarr-"

// Config holds housekeeping schedules and limits.
type Config struct {
	// TempDir is swept for orphaned capture files.
	TempDir string
	// CaptureDir is the volume watched by the disk space check.
	CaptureDir string
	// TempSweepCron and DiskCheckCron are 6-field cron expressions.
	TempSweepCron string
	DiskCheckCron string
	// TempMaxAge is the age past which an orphaned temp file is removed.
	TempMaxAge time.Duration
	// IndexRetention prunes broadcast rows older than this. Zero keeps
	// everything.
	IndexRetention time.Duration
	// MinFreeSpace is the free space floor the disk check warns below.
	MinFreeSpace uint64
	// SyncInterval overrides the schedule check period.
	SyncInterval time.Duration
	Logger       *slog.Logger
}

// Housekeeper periodically runs the maintenance tasks.
type Housekeeper struct {
	db     *database.DB
	cfg    Config
	logger *slog.Logger
	parser cron.Parser

	// freeBytes reports free space on the volume holding path.
	freeBytes func(path string) (uint64, error)

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Housekeeper. The db may be nil when no index retention is
// configured.
func New(db *database.DB, cfg Config) *Housekeeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &Housekeeper{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger,
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		freeBytes: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
	}
}

// Start launches the background loop. The first sweep runs immediately so a
// crashed previous run's leftovers don't wait for the next cron window.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx != nil {
		return fmt.Errorf("housekeeping already started")
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.loop()

	h.logger.Info("housekeeping started",
		slog.String("temp_sweep_cron", h.cfg.TempSweepCron),
		slog.String("disk_check_cron", h.cfg.DiskCheckCron),
		slog.Duration("temp_max_age", h.cfg.TempMaxAge))
	return nil
}

// Stop halts the loop and waits for a running task to finish.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	h.ctx = nil
	h.cancel = nil
	h.mu.Unlock()

	h.logger.Info("housekeeping stopped")
}

func (h *Housekeeper) loop() {
	defer h.wg.Done()

	h.sweepTemp()
	h.pruneIndex(h.ctx)
	h.checkDisk()

	ticker := time.NewTicker(h.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if h.isDue(h.cfg.TempSweepCron) {
				h.sweepTemp()
				h.pruneIndex(h.ctx)
			}
			if h.isDue(h.cfg.DiskCheckCron) {
				h.checkDisk()
			}
		}
	}
}

// isDue reports whether the schedule fires within the current sync window.
func (h *Housekeeper) isDue(cronExpr string) bool {
	if cronExpr == "" {
		return false
	}
	schedule, err := h.parser.Parse(cronExpr)
	if err != nil {
		h.logger.Warn("invalid cron expression",
			slog.String("cron", cronExpr),
			slog.String("error", err.Error()))
		return false
	}

	now := time.Now()
	next := schedule.Next(now.Add(-h.cfg.SyncInterval))
	return !next.After(now)
}

// sweepTemp removes orphaned capture temp files past their maximum age.
func (h *Housekeeper) sweepTemp() {
	if h.cfg.TempDir == "" || h.cfg.TempMaxAge <= 0 {
		return
	}

	entries, err := os.ReadDir(h.cfg.TempDir)
	if err != nil {
		h.logger.Error("reading temp dir failed",
			slog.String("dir", h.cfg.TempDir),
			slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().Add(-h.cfg.TempMaxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(h.cfg.TempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			h.logger.Warn("removing orphaned temp file failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		removed++
	}

	if removed > 0 {
		h.logger.Info("swept orphaned temp files", slog.Int("removed", removed))
	}
}

// pruneIndex drops broadcast rows older than the retention period. Files on
// disk are untouched.
func (h *Housekeeper) pruneIndex(ctx context.Context) {
	if h.db == nil || h.cfg.IndexRetention <= 0 {
		return
	}

	cutoff := time.Now().Add(-h.cfg.IndexRetention)
	res := h.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&storage.Broadcast{})
	if res.Error != nil {
		h.logger.Error("pruning broadcast index failed",
			slog.String("error", res.Error.Error()))
		return
	}
	if res.RowsAffected > 0 {
		h.logger.Info("pruned broadcast index",
			slog.Int64("removed", res.RowsAffected),
			slog.Time("cutoff", cutoff))
	}
}

// checkDisk warns when the capture volume falls below the free space floor.
func (h *Housekeeper) checkDisk() {
	if h.cfg.CaptureDir == "" || h.cfg.MinFreeSpace == 0 {
		return
	}

	free, err := h.freeBytes(h.cfg.CaptureDir)
	if err != nil {
		h.logger.Error("disk space check failed",
			slog.String("dir", h.cfg.CaptureDir),
			slog.String("error", err.Error()))
		return
	}

	if free < h.cfg.MinFreeSpace {
		h.logger.Warn("capture volume low on space",
			slog.String("dir", h.cfg.CaptureDir),
			slog.Uint64("free_bytes", free),
			slog.Uint64("min_free_bytes", h.cfg.MinFreeSpace))
	}
}
