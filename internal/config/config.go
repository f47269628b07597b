// Package config provides configuration management for vodarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultPollPeriod        = 60 * time.Second
	defaultPlaylistPeriod    = 60 * time.Second
	defaultLivePeriod        = 2 * time.Second
	defaultWaitVODDelay      = 10 * time.Second
	defaultConcurrency       = 10
	defaultSegmentRetries    = 3
	defaultLiveMaxSegments   = 300
	defaultChunkBudget       = 100 * time.Second
	defaultQuality           = "chunked"
	defaultWebhookPort       = 8080
	defaultLeaseSeconds      = 86400
	defaultSubscribeAttempts = 10
	defaultSubscribeDelay    = 10 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
)

// Config holds all configuration for the application.
type Config struct {
	Channels     []string           `mapstructure:"channels"`
	Twitch       TwitchConfig       `mapstructure:"twitch"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Download     DownloadConfig     `mapstructure:"download"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

// TwitchConfig holds upstream platform API credentials.
type TwitchConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret" masq:"secret"`
	// OAuthToken optionally grants access to sub-only playlists.
	OAuthToken string `mapstructure:"oauth_token" masq:"secret"`
}

// TrackerConfig selects and tunes the stream tracker.
type TrackerConfig struct {
	Backend    string        `mapstructure:"backend"` // poll, webhook
	PollPeriod time.Duration `mapstructure:"poll_period"`
}

// WebhookConfig holds the webhook tracker's callback server settings.
type WebhookConfig struct {
	// Host is the externally reachable base URL the hub calls back on,
	// e.g. "https://capture.example.com".
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	LeaseSeconds      int           `mapstructure:"lease_seconds"`
	SubscribeAttempts int           `mapstructure:"subscribe_attempts"`
	SubscribeDelay    time.Duration `mapstructure:"subscribe_delay"`
}

// DownloadConfig tunes playlist refresh and segment fetching.
type DownloadConfig struct {
	Quality         string        `mapstructure:"quality"`
	Mode            string        `mapstructure:"mode"` // vod, live
	Concurrency     int           `mapstructure:"concurrency"`
	SegmentRetries  int           `mapstructure:"segment_retries"`
	PlaylistPeriod  time.Duration `mapstructure:"playlist_period"`
	LivePeriod      time.Duration `mapstructure:"live_period"`
	WaitVODDelay    time.Duration `mapstructure:"wait_vod_delay"`
	LiveMaxSegments int           `mapstructure:"live_max_segments"`
	// ChunkBudget bounds how long a single batch of segment fetches may run
	// before the playlist is re-checked. Zero re-checks after every chunk.
	ChunkBudget time.Duration `mapstructure:"chunk_budget"`
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	VODDir  string `mapstructure:"vod_dir"`
	TempDir string `mapstructure:"temp_dir"`
	// ErrorDir collects partial captures from failed downloads.
	ErrorDir string `mapstructure:"error_dir"`
	// Template names finished recordings. Available fields: Channel, Title,
	// ID, Type, Date, CreatedAt.
	Template string `mapstructure:"template"`
	// MinFreeSpace is the free disk space floor below which new captures
	// are refused. Supports human-readable values like "1GB".
	MinFreeSpace ByteSize `mapstructure:"min_free_space"`
}

// DatabaseConfig holds database connection configuration for the
// broadcast index.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HousekeepingConfig holds scheduled maintenance configuration.
type HousekeepingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// TempSweepCron is a 6-field cron expression for orphaned temp file
	// cleanup.
	TempSweepCron string `mapstructure:"temp_sweep_cron"`
	// IndexRetention prunes broadcast index rows older than this.
	// Supports extended units like "12w" or "90d".
	IndexRetention Duration `mapstructure:"index_retention"`
	// TempMaxAge is the age past which orphaned temp files are swept.
	TempMaxAge Duration `mapstructure:"temp_max_age"`
	DiskCheckCron string `mapstructure:"disk_check_cron"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VODARR_ and use underscores for
// nesting. Example: VODARR_WEBHOOK_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vodarr")
		v.AddConfigPath("$HOME/.vodarr")
	}

	v.SetEnvPrefix("VODARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a configuration from an already
// initialized viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("channels", []string{})

	// Twitch defaults
	v.SetDefault("twitch.client_id", "")
	v.SetDefault("twitch.client_secret", "")
	v.SetDefault("twitch.oauth_token", "")

	// Tracker defaults
	v.SetDefault("tracker.backend", "poll")
	v.SetDefault("tracker.poll_period", defaultPollPeriod)

	// Webhook defaults
	v.SetDefault("webhook.host", "")
	v.SetDefault("webhook.port", defaultWebhookPort)
	v.SetDefault("webhook.lease_seconds", defaultLeaseSeconds)
	v.SetDefault("webhook.subscribe_attempts", defaultSubscribeAttempts)
	v.SetDefault("webhook.subscribe_delay", defaultSubscribeDelay)

	// Download defaults
	v.SetDefault("download.quality", defaultQuality)
	v.SetDefault("download.mode", "vod")
	v.SetDefault("download.concurrency", defaultConcurrency)
	v.SetDefault("download.segment_retries", defaultSegmentRetries)
	v.SetDefault("download.playlist_period", defaultPlaylistPeriod)
	v.SetDefault("download.live_period", defaultLivePeriod)
	v.SetDefault("download.wait_vod_delay", defaultWaitVODDelay)
	v.SetDefault("download.live_max_segments", defaultLiveMaxSegments)
	v.SetDefault("download.chunk_budget", defaultChunkBudget)

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.vod_dir", "vods")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.error_dir", "errors")
	v.SetDefault("storage.template", "{{.Date}} {{.Channel}} {{.Title}}")
	v.SetDefault("storage.min_free_space", "1GB")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vodarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Housekeeping defaults
	v.SetDefault("housekeeping.enabled", true)
	v.SetDefault("housekeeping.temp_sweep_cron", "0 0 * * * *")
	v.SetDefault("housekeeping.index_retention", "12w")
	v.SetDefault("housekeeping.temp_max_age", "1d")
	v.SetDefault("housekeeping.disk_check_cron", "0 */5 * * * *")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validBackends := map[string]bool{"poll": true, "webhook": true}
	if !validBackends[c.Tracker.Backend] {
		return fmt.Errorf("tracker.backend must be one of: poll, webhook")
	}
	if c.Tracker.PollPeriod <= 0 {
		return fmt.Errorf("tracker.poll_period must be positive")
	}

	const maxPort = 65535
	if c.Webhook.Port < 1 || c.Webhook.Port > maxPort {
		return fmt.Errorf("webhook.port must be between 1 and %d", maxPort)
	}
	if c.Tracker.Backend == "webhook" && c.Webhook.Host == "" {
		return fmt.Errorf("webhook.host is required for the webhook tracker")
	}
	if c.Webhook.LeaseSeconds < 1 {
		return fmt.Errorf("webhook.lease_seconds must be at least 1")
	}

	if c.Download.Quality == "" {
		return fmt.Errorf("download.quality is required")
	}
	validModes := map[string]bool{"vod": true, "live": true}
	if !validModes[c.Download.Mode] {
		return fmt.Errorf("download.mode must be one of: vod, live")
	}
	if c.Download.Concurrency < 1 {
		return fmt.Errorf("download.concurrency must be at least 1")
	}
	if c.Download.LiveMaxSegments < 1 {
		return fmt.Errorf("download.live_max_segments must be at least 1")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// VODPath returns the full path to the finished recordings directory.
func (c *StorageConfig) VODPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.VODDir)
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.TempDir)
}

// ErrorPath returns the full path to the failed-capture directory.
func (c *StorageConfig) ErrorPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.ErrorDir)
}
