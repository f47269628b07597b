package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vodarr/vodarr/internal/hls"
	"github.com/vodarr/vodarr/pkg/httpclient"
)

// Fetcher defaults.
const (
	DefaultConcurrency    = 10
	DefaultSegmentRetries = 3

	// DefaultBudgetPerFetch is the chunk budget granted per concurrent
	// fetch slot when none is configured.
	DefaultBudgetPerFetch = 10 * time.Second
)

// FetcherConfig configures the segment fetcher.
type FetcherConfig struct {
	// Concurrency is the chunk size: how many segments are fetched in
	// parallel before the next chunk starts.
	Concurrency int

	// SegmentRetries is the per-segment retry count on transient errors.
	// Only applied when HTTPClient is nil.
	SegmentRetries int

	// ChunkBudget bounds the wall-clock time of a single chunk, as a stall
	// signal distinct from per-request timeouts. A chunk that finishes over
	// budget stops the call at the segments written so far; zero returns
	// after the first chunk. Negative means the default of
	// DefaultBudgetPerFetch per concurrency slot.
	ChunkBudget time.Duration

	// HTTPClient overrides the transport. When nil, a client with fixed
	// backoff and SegmentRetries retries is built.
	HTTPClient *httpclient.Client

	// Logger receives fetch diagnostics.
	Logger *slog.Logger
}

// DefaultFetcherConfig returns the package defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Concurrency:    DefaultConcurrency,
		SegmentRetries: DefaultSegmentRetries,
		ChunkBudget:    -1,
	}
}

// Fetcher downloads ordered segment lists into a single append-only sink.
type Fetcher struct {
	http        *httpclient.Client
	logger      *slog.Logger
	concurrency int
	budget      time.Duration
}

// NewFetcher creates a fetcher from cfg.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ChunkBudget < 0 {
		cfg.ChunkBudget = time.Duration(cfg.Concurrency) * DefaultBudgetPerFetch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		hcfg := httpclient.DefaultConfig()
		hcfg.RetryAttempts = cfg.SegmentRetries
		hcfg.RetryDelay = time.Second
		hcfg.BackoffMultiplier = 1.0
		hcfg.Logger = cfg.Logger
		cfg.HTTPClient = httpclient.New(hcfg)
	}
	return &Fetcher{
		http:        cfg.HTTPClient,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		budget:      cfg.ChunkBudget,
	}
}

// Download fetches segments and appends their bodies to sink in the order of
// the input slice, regardless of fetch completion order. Relative segment
// names resolve against base.
//
// It returns the number of the last segment written, or -1 when nothing was
// written. The call stops early, without error, when a segment fails after
// its retries (remaining fetches of that chunk are cancelled and only the
// contiguous prefix is written) or when the chunk budget is exhausted. The
// only error returned is the context's.
func (f *Fetcher) Download(ctx context.Context, segments []hls.Segment, base string, sink io.Writer, progress ProgressFunc) (int, error) {
	last := -1

	for begin := 0; begin < len(segments); begin += f.concurrency {
		end := begin + f.concurrency
		if end > len(segments) {
			end = len(segments)
		}
		chunk := segments[begin:end]
		start := time.Now()

		bodies, err := f.fetchChunk(ctx, chunk, base)
		if err != nil {
			return last, err
		}

		failed := false
		for i, body := range bodies {
			if body == nil {
				failed = true
				break
			}
			if progress != nil {
				progress(ProgressData{CompleteSegment: intPtr(chunk[i].Number)})
			}
			if _, werr := sink.Write(body); werr != nil {
				return last, fmt.Errorf("writing segment %d: %w", chunk[i].Number, werr)
			}
			last = chunk[i].Number
			if progress != nil {
				progress(ProgressData{
					WriteSegment: intPtr(chunk[i].Number),
					DataSize:     int64Ptr(int64(len(body))),
				})
			}
		}
		if failed {
			f.logger.Warn("segment chunk failed, stopping at contiguous prefix",
				slog.Int("last_written", last),
				slog.Int("chunk_start", chunk[0].Number),
			)
			return last, nil
		}

		if time.Since(start) >= f.budget {
			f.logger.Debug("chunk budget exhausted",
				slog.Duration("budget", f.budget),
				slog.Int("last_written", last),
				slog.Int("remaining", len(segments)-end),
			)
			return last, nil
		}
	}
	return last, nil
}

// fetchChunk downloads one chunk concurrently. The returned slice is aligned
// with chunk; entries from the first failed segment onward are nil. A fetch
// failure cancels the chunk's remaining in-flight fetches.
func (f *Fetcher) fetchChunk(ctx context.Context, chunk []hls.Segment, base string) ([][]byte, error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bodies := make([][]byte, len(chunk))
	errs := make([]error, len(chunk))

	var wg sync.WaitGroup
	for i, seg := range chunk {
		wg.Add(1)
		go func(i int, seg hls.Segment) {
			defer wg.Done()
			url := seg.Name
			if base != "" {
				url = hls.ResolveURL(base, seg.Name)
			}
			body, err := f.http.GetBody(cctx, url)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			bodies[i] = body
		}(i, seg)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	for i := range chunk {
		if errs[i] != nil {
			f.logger.Warn("segment fetch failed",
				slog.Int("segment", chunk[i].Number),
				slog.String("name", chunk[i].Name),
				slog.String("error", errs[i].Error()),
			)
			// Later completions are discarded so the sink only ever sees a
			// contiguous prefix.
			for j := i; j < len(bodies); j++ {
				bodies[j] = nil
			}
			break
		}
	}
	return bodies, nil
}
