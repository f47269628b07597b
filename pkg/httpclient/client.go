// Package httpclient provides a resilient HTTP client used for all upstream
// traffic: API calls, playlist refreshes and segment fetches.
//
// The client wraps a standard http.Client and adds:
//   - automatic retries with configurable backoff
//   - a circuit breaker to stop hammering a broken upstream
//   - transparent decompression (gzip, deflate, brotli)
//   - structured request logging with query-token redaction
//   - an optional post-decompression response size cap
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Errors returned by the client.
var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

// Defaults. The request timeout and connect timeout follow the upstream
// platform's recommended client settings.
const (
	DefaultTimeout           = 60 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 1 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultCircuitThreshold  = 5
	DefaultCircuitTimeout    = 30 * time.Second
	DefaultUserAgent         = "vodarr/1.0"

	acceptEncodingHeader = "gzip, deflate, br"
)

// Config holds the client configuration.
type Config struct {
	// Timeout is the overall per-request timeout.
	Timeout time.Duration

	// ConnectTimeout bounds the TCP dial when the default transport is used.
	ConnectTimeout time.Duration

	// RetryAttempts is the number of retries after the initial attempt.
	RetryAttempts int

	// RetryDelay is the delay before the first retry.
	RetryDelay time.Duration

	// RetryMaxDelay caps the backoff growth.
	RetryMaxDelay time.Duration

	// BackoffMultiplier scales the delay between consecutive retries.
	// 1.0 gives a fixed backoff, 2.0 doubles each time.
	BackoffMultiplier float64

	// CircuitThreshold is the number of consecutive failures before the
	// circuit opens. Zero disables the breaker.
	CircuitThreshold int

	// CircuitTimeout is how long the circuit stays open before a probe.
	CircuitTimeout time.Duration

	// UserAgent is sent when the request has none.
	UserAgent string

	// Logger receives request-level debug/warn logs.
	Logger *slog.Logger

	// EnableDecompression transparently decodes compressed responses.
	EnableDecompression bool

	// MaxResponseSize caps the decompressed body size; 0 means unlimited.
	MaxResponseSize int64

	// BaseClient overrides the underlying http.Client. When nil, a client
	// with a tuned transport and the configured timeouts is built.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		UserAgent:           DefaultUserAgent,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is a resilient HTTP client.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}

	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(cfg.ConnectTimeout),
		}
	}

	var breaker *CircuitBreaker
	if cfg.CircuitThreshold > 0 {
		breaker = NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout)
	}

	return &Client{
		config:  cfg,
		client:  base,
		breaker: breaker,
		logger:  cfg.Logger,
	}
}

// newTransport builds an http.Transport with connection limits suitable for
// sustained segment fetching.
func newTransport(connectTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// Do executes req with retries and circuit breaker protection.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncodingHeader)
	}

	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", RedactURL(req.URL)),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		if c.breaker != nil && !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping request",
				slog.String("url", RedactURL(req.URL)),
				slog.String("state", c.breaker.State().String()),
			)
			continue
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			c.recordFailure()
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", RedactURL(req.URL)),
				slog.String("method", req.Method),
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)

			// Context errors are not retryable.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			c.recordFailure()
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			c.logger.Warn("retryable status code",
				slog.String("url", RedactURL(req.URL)),
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", elapsed),
				slog.Int("attempt", attempt),
			)
			resp.Body.Close()
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 500 {
			c.recordSuccess()
		} else {
			// Remaining 5xx codes are not retried but still count against
			// the breaker.
			c.recordFailure()
		}

		c.logger.Debug("request completed",
			slog.String("url", RedactURL(req.URL)),
			slog.String("method", req.Method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", elapsed),
		)

		if c.config.EnableDecompression {
			resp.Body = c.wrapDecompression(resp)
		}
		if c.config.MaxResponseSize > 0 {
			resp.Body = newLimitedReader(resp.Body, c.config.MaxResponseSize)
		}

		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// Get performs a GET request against url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// GetBody performs a GET request and returns the full response body. Non-2xx
// statuses are returned as a StatusError.
func (c *Client) GetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.DoBody(req)
}

// DoBody executes req and returns the full response body. Non-2xx statuses
// are returned as a StatusError.
func (c *Client) DoBody(req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, URL: RedactURL(resp.Request.URL)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

// StatusError reports a non-2xx response where a body was expected.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// CircuitState returns the breaker state, or CircuitClosed when the breaker
// is disabled.
func (c *Client) CircuitState() CircuitState {
	if c.breaker == nil {
		return CircuitClosed
	}
	return c.breaker.State()
}

// StandardClient returns a *http.Client whose transport routes through this
// client, for code that only accepts the standard type.
func (c *Client) StandardClient() *http.Client {
	return &http.Client{
		Transport: &resilientTransport{client: c},
		Timeout:   c.config.Timeout,
	}
}

type resilientTransport struct {
	client *Client
}

func (t *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.client.Do(req)
}

var _ http.RoundTripper = (*resilientTransport)(nil)

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

// wrapDecompression wraps the response body according to Content-Encoding.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	switch encoding {
	case "":
		return resp.Body
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}
	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		c.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding),
		)
		return resp.Body
	}
}

type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

// limitedReader enforces a post-decompression size cap.
type limitedReader struct {
	reader    io.Reader
	closer    io.Closer
	remaining int64
	exceeded  bool
}

func newLimitedReader(r io.ReadCloser, limit int64) *limitedReader {
	return &limitedReader{reader: r, closer: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrResponseTooLarge
	}

	n, err := l.reader.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, ErrResponseTooLarge
	}
	return n, err
}

func (l *limitedReader) Close() error {
	return l.closer.Close()
}

// isRetryableStatus reports whether a status code warrants a retry.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// sensitiveParams are query keys whose values never appear in logs. Playlist
// access URLs carry signed tokens in these parameters.
var sensitiveParams = []string{"token", "sig", "client_secret", "hub.secret"}

// RedactURL returns u as a string with sensitive query parameter values
// replaced, safe for logging.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	redacted := false
	for _, key := range sensitiveParams {
		if q.Has(key) {
			q.Set(key, "REDACTED")
			redacted = true
		}
	}
	if !redacted {
		return u.String()
	}
	clone := *u
	clone.RawQuery = q.Encode()
	return clone.String()
}
