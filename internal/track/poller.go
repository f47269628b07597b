package track

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/internal/twitch"
)

// Poller defaults.
const (
	DefaultPollPeriod    = 60 * time.Second
	DefaultErrorDelay    = 60 * time.Second
	DefaultErrorDelayMax = 900 * time.Second
)

// StreamsAPI is the platform surface the poller consumes.
type StreamsAPI interface {
	GetStreams(ctx context.Context, logins []string) ([]twitch.StreamInfo, error)
}

// PollerConfig configures the polling tracker.
type PollerConfig struct {
	// Channels are the logins to watch.
	Channels []string

	// PollPeriod is the sampling interval.
	PollPeriod time.Duration

	// ErrorDelay and ErrorDelayMax bound the doubling backoff after failed
	// polls. The backoff resets on the first successful poll.
	ErrorDelay    time.Duration
	ErrorDelayMax time.Duration

	// Logger receives tracker diagnostics.
	Logger *slog.Logger
}

// Poller samples stream statuses on a fixed period and publishes
// transitions.
type Poller struct {
	events.Publisher

	api      StreamsAPI
	channels []string
	cfg      PollerConfig
	logger   *slog.Logger
	state    *channelState

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a polling tracker for the configured channels.
func NewPoller(api StreamsAPI, cfg PollerConfig) *Poller {
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = DefaultPollPeriod
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = DefaultErrorDelay
	}
	if cfg.ErrorDelayMax <= 0 {
		cfg.ErrorDelayMax = DefaultErrorDelayMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		api:      api,
		channels: normalizeChannels(cfg.Channels),
		cfg:      cfg,
		logger:   cfg.Logger,
		state:    newChannelState(),
		stopCh:   make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called. Poll failures are
// retried after a bounded doubling delay; only cancellation ends the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("polling tracker started",
		slog.Int("channels", len(p.channels)),
		slog.Duration("period", p.cfg.PollPeriod),
	)

	nextDelay := delays(p.cfg.ErrorDelay, p.cfg.ErrorDelayMax)
	for {
		err := p.poll(ctx)
		switch {
		case err == nil:
			nextDelay = delays(p.cfg.ErrorDelay, p.cfg.ErrorDelayMax)
			err = sleepCtx(ctx, p.stopCh, p.cfg.PollPeriod)
		case ctx.Err() == nil:
			d := nextDelay()
			p.logger.Warn("stream poll failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", d),
			)
			err = sleepCtx(ctx, p.stopCh, d)
		}

		if errors.Is(err, ErrStopped) {
			p.logger.Info("polling tracker stopped")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Stop requests graceful termination of Run.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// poll samples all channels once and publishes the resulting transitions.
func (p *Poller) poll(ctx context.Context) error {
	infos, err := p.api.GetStreams(ctx, p.channels)
	if err != nil {
		return err
	}

	online := make(map[string]twitch.StreamInfo, len(infos))
	for _, info := range infos {
		online[strings.ToLower(info.Channel)] = info
	}

	for _, channel := range p.channels {
		var sample *twitch.StreamInfo
		if info, ok := online[channel]; ok {
			sample = &info
		}
		if e := p.state.apply(channel, sample); e != nil {
			p.logger.Debug("stream transition",
				slog.String("channel", channel),
				slog.String("event", string(e.EventType())),
			)
			p.Publish(e)
		}
	}
	return nil
}
