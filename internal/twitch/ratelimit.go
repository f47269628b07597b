package twitch

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateBucket paces Helix requests from the platform's token bucket headers.
// When the last response reported an empty bucket, callers wait until the
// advertised reset instant before sending the next request.
type rateBucket struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
}

func newRateBucket(initial int) *rateBucket {
	return &rateBucket{remaining: initial}
}

// Wait blocks until the bucket permits a request or ctx is done.
func (b *rateBucket) Wait(ctx context.Context) error {
	b.mu.Lock()
	var delay time.Duration
	if b.remaining <= 0 {
		delay = time.Until(b.reset)
	}
	b.mu.Unlock()

	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Update records the bucket state from response headers. Responses without
// both headers leave the state untouched.
func (b *rateBucket) Update(h http.Header) {
	remaining := h.Get("Ratelimit-Remaining")
	reset := h.Get("Ratelimit-Reset")
	if remaining == "" || reset == "" {
		return
	}
	rem, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	unix, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.remaining = rem
	b.reset = time.Unix(unix, 0)
	b.mu.Unlock()
}
