// Package download turns a broadcast's media playlist into a contiguous byte
// stream on disk. The Fetcher pulls bounded chunks of segments concurrently
// and appends them to the sink in playlist order; the Manager drives playlist
// refreshes around it and decides when a download is finished.
package download

import (
	"context"
	"time"
)

// ProgressData is one progress sample. Every field is optional; consumers
// accumulate whichever counters they care about.
type ProgressData struct {
	// FirstSegment is the number of the first segment this download starts
	// from, reported once.
	FirstSegment *int

	// LastSegment is the number of the last segment currently known to the
	// playlist, reported on refresh.
	LastSegment *int

	// DataSize is the byte size of a segment body appended to the sink.
	DataSize *int64

	// CompleteSegment is the number of a segment whose fetch finished.
	CompleteSegment *int

	// WriteSegment is the number of a segment written to the sink.
	WriteSegment *int
}

// ProgressFunc receives progress samples. Implementations must be fast;
// they run on the download path.
type ProgressFunc func(ProgressData)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

// ring is a fixed-size boolean window used for end-of-download detection.
// It starts saturated with true so a download never terminates before the
// window has seen a full run of empty refreshes.
type ring struct {
	buf []bool
	pos int
}

func newRing(size int) *ring {
	buf := make([]bool, size)
	for i := range buf {
		buf[i] = true
	}
	return &ring{buf: buf}
}

func (r *ring) push(v bool) {
	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % len(r.buf)
}

func (r *ring) anyTrue() bool {
	for _, v := range r.buf {
		if v {
			return true
		}
	}
	return false
}

// sleepCtx sleeps for d or until ctx is done, returning the ctx error in the
// latter case.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
