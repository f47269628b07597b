package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vodarr/vodarr/internal/download"
	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/internal/observability"
	"github.com/vodarr/vodarr/internal/twitch"
	"github.com/vodarr/vodarr/internal/view"
)

var downloadCmd = &cobra.Command{
	Use:   "download <video-id>",
	Short: "Download a single recording",
	Long: `Download one recording by its video id into a local .ts file,
without tracking or storage finalization.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringP("output", "o", "", "output file (default <video-id>.ts)")
	downloadCmd.Flags().String("quality", "", "rendition group id (overrides config)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	videoID := args[0]

	quality := cfg.Download.Quality
	if cmd.Flags().Changed("quality") {
		quality, _ = cmd.Flags().GetString("quality")
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = videoID + ".ts"
	}

	logger := slog.Default()

	api := twitch.NewAPI(twitch.Config{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
		OAuthToken:   cfg.Twitch.OAuthToken,
		Logger:       observability.WithComponent(logger, "twitch"),
	})

	console := view.NewConsole(logger)

	manager := download.NewManager(api, download.ManagerConfig{
		Quality:         quality,
		Concurrency:     cfg.Download.Concurrency,
		SegmentRetries:  cfg.Download.SegmentRetries,
		ChunkBudget:     cfg.Download.ChunkBudget,
		PlaylistPeriod:  cfg.Download.PlaylistPeriod,
		LivePeriod:      cfg.Download.LivePeriod,
		LiveMaxSegments: cfg.Download.LiveMaxSegments,
		Progress:        console.HandleProgress,
		Logger:          observability.WithComponent(logger, "download"),
	})

	bus := events.NewBus(logger)
	defer bus.Close()
	console.Attach(bus)
	bus.Connect(manager)

	file, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", output, err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	err = manager.DownloadArchive(ctx, videoID, file, -1)
	if cerr := file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("downloading %s: %w", videoID, err)
	}

	logger.Info("download complete", slog.String("path", output))
	return nil
}
