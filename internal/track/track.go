// Package track watches a set of channels and publishes stream transitions
// on the event bus. Two trackers implement the same surface: the Poller
// samples stream statuses on a fixed period, the Webhook tracker serves hub
// callbacks and maintains the subscriptions behind them.
//
// Both deduplicate against the last published value per channel, so
// subscribers only ever see actual transitions: StreamOnline on
// offline-to-online, StreamChanged while online, StreamOffline on
// online-to-offline.
package track

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/internal/twitch"
)

// ErrStopped is returned by blocking helpers when Stop was requested.
var ErrStopped = errors.New("tracker stopped")

// Tracker is the shared surface of both tracker variants.
type Tracker interface {
	events.Client

	// Run blocks until ctx is cancelled or Stop is called.
	Run(ctx context.Context) error
	// Stop requests graceful termination.
	Stop()
}

// delays returns a generator of bounded doubling retry delays: initial,
// 2*initial, ... capped at max.
func delays(initial, max time.Duration) func() time.Duration {
	d := initial
	return func() time.Duration {
		cur := d
		d *= 2
		if d > max {
			d = max
		}
		return cur
	}
}

// normalizeChannels lowercases and deduplicates channel logins, preserving
// order.
func normalizeChannels(channels []string) []string {
	seen := make(map[string]bool, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// channelState holds the last published stream value per channel and turns
// new samples into transition events.
type channelState struct {
	mu   sync.Mutex
	last map[string]*twitch.StreamInfo
}

func newChannelState() *channelState {
	return &channelState{last: make(map[string]*twitch.StreamInfo)}
}

// apply records the new sample for channel (nil means offline) and returns
// the event to publish, or nil when the sample matches the last published
// value.
func (s *channelState) apply(channel string, info *twitch.StreamInfo) events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.last[channel]

	if info == nil {
		if prev == nil {
			return nil
		}
		delete(s.last, channel)
		return events.NewStreamOffline(channel)
	}

	cur := *info
	s.last[channel] = &cur

	if prev == nil {
		return events.NewStreamOnline(channel, cur.ChannelID, cur.Game, cur.Title, cur.StartedAt)
	}
	if prev.Equal(cur) {
		return nil
	}
	return events.NewStreamChanged(channel, cur.ChannelID, cur.Game, cur.Title, cur.StartedAt)
}

// sleepCtx sleeps for d or until ctx is done or stop closes.
func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrStopped
	case <-t.C:
		return nil
	}
}
