package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vodarr/vodarr/internal/capture"
	"github.com/vodarr/vodarr/internal/config"
	"github.com/vodarr/vodarr/internal/database"
	"github.com/vodarr/vodarr/internal/download"
	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/internal/housekeeping"
	"github.com/vodarr/vodarr/internal/observability"
	"github.com/vodarr/vodarr/internal/storage"
	"github.com/vodarr/vodarr/internal/track"
	"github.com/vodarr/vodarr/internal/twitch"
	"github.com/vodarr/vodarr/internal/version"
	"github.com/vodarr/vodarr/internal/view"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture daemon",
	Long: `Run the capture daemon: track the configured channels and record
every broadcast that goes live.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}

	logger := slog.Default()

	db, err := database.New(cfg.Database, observability.WithComponent(logger, "database"))
	if err != nil {
		return fmt.Errorf("opening broadcast index: %w", err)
	}
	defer db.Close()

	finalizer, err := storage.NewFinalizer(db, cfg.Storage, observability.WithComponent(logger, "storage"))
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	api := twitch.NewAPI(twitch.Config{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
		OAuthToken:   cfg.Twitch.OAuthToken,
		Logger:       observability.WithComponent(logger, "twitch"),
	})

	console := view.NewConsole(logger)

	manager := download.NewManager(api, download.ManagerConfig{
		Quality:         cfg.Download.Quality,
		Concurrency:     cfg.Download.Concurrency,
		SegmentRetries:  cfg.Download.SegmentRetries,
		ChunkBudget:     cfg.Download.ChunkBudget,
		PlaylistPeriod:  cfg.Download.PlaylistPeriod,
		LivePeriod:      cfg.Download.LivePeriod,
		LiveMaxSegments: cfg.Download.LiveMaxSegments,
		Progress:        console.HandleProgress,
		Logger:          observability.WithComponent(logger, "download"),
	})

	recorder, err := capture.NewRecorder(api, manager, finalizer, capture.Config{
		Mode:         cfg.Download.Mode,
		TempDir:      cfg.Storage.TempPath(),
		ErrorDir:     cfg.Storage.ErrorPath(),
		WaitVODDelay: cfg.Download.WaitVODDelay,
		MinFreeSpace: uint64(cfg.Storage.MinFreeSpace.Bytes()),
		Logger:       observability.WithComponent(logger, "capture"),
	})
	if err != nil {
		return fmt.Errorf("initializing capture: %w", err)
	}

	tracker, err := newTracker(cfg, api, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	defer bus.Close()
	console.Attach(bus)
	bus.Subscribe(recorder, events.TypeStreamOnline)
	bus.Connect(tracker, manager, recorder)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	recorder.Start(ctx)
	defer recorder.Stop()

	if cfg.Housekeeping.Enabled {
		keeper := housekeeping.New(db, housekeeping.Config{
			TempDir:        cfg.Storage.TempPath(),
			CaptureDir:     cfg.Storage.VODPath(),
			TempSweepCron:  cfg.Housekeeping.TempSweepCron,
			DiskCheckCron:  cfg.Housekeeping.DiskCheckCron,
			TempMaxAge:     cfg.Housekeeping.TempMaxAge.Duration(),
			IndexRetention: cfg.Housekeeping.IndexRetention.Duration(),
			MinFreeSpace:   uint64(cfg.Storage.MinFreeSpace.Bytes()),
			Logger:         observability.WithComponent(logger, "housekeeping"),
		})
		if err := keeper.Start(ctx); err != nil {
			return fmt.Errorf("starting housekeeping: %w", err)
		}
		defer keeper.Stop()
	}

	logger.Info("vodarr started",
		slog.String("version", version.Short()),
		slog.Any("channels", cfg.Channels),
		slog.String("tracker", cfg.Tracker.Backend),
		slog.String("mode", cfg.Download.Mode),
	)

	err = tracker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("tracker stopped: %w", err)
	}
	return nil
}

// newTracker builds the configured tracker backend.
func newTracker(cfg *config.Config, api *twitch.API, logger *slog.Logger) (track.Tracker, error) {
	switch cfg.Tracker.Backend {
	case "webhook":
		w, err := track.NewWebhook(api, track.WebhookConfig{
			Channels:          cfg.Channels,
			Host:              cfg.Webhook.Host,
			Port:              cfg.Webhook.Port,
			LeaseSeconds:      cfg.Webhook.LeaseSeconds,
			SubscribeAttempts: cfg.Webhook.SubscribeAttempts,
			SubscribeDelay:    cfg.Webhook.SubscribeDelay,
			Logger:            observability.WithComponent(logger, "webhook"),
		})
		if err != nil {
			return nil, fmt.Errorf("initializing webhook tracker: %w", err)
		}
		return w, nil
	default:
		return track.NewPoller(api, track.PollerConfig{
			Channels:   cfg.Channels,
			PollPeriod: cfg.Tracker.PollPeriod,
			Logger:     observability.WithComponent(logger, "poller"),
		}), nil
	}
}
