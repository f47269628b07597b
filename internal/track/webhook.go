package track

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/internal/twitch"
)

// Webhook defaults.
const (
	DefaultLeaseSeconds      = 86400
	DefaultSubscribeAttempts = 10
	DefaultSubscribeDelay    = 10 * time.Second

	// notificationHistory bounds the duplicate-notification window.
	notificationHistory = 100

	signatureHeader    = "X-Hub-Signature"
	notificationHeader = "Twitch-Notification-Id"
)

// Subscription states as recorded from hub handshakes.
const (
	SubStateUnknown      = ""
	SubStateSubscribed   = "subscribed"
	SubStateUnsubscribed = "unsubscribed"
)

// HubAPI is the platform surface the webhook tracker consumes.
type HubAPI interface {
	GetUsers(ctx context.Context, ids, logins []string) ([]twitch.User, error)
	PostWebhook(ctx context.Context, callback, mode, topic, secret string, leaseSeconds int) error
}

// WebhookConfig configures the webhook tracker.
type WebhookConfig struct {
	// Channels are the logins to watch.
	Channels []string

	// Host is the externally reachable base URL the hub calls back on,
	// e.g. "https://capture.example.com".
	Host string

	// Port is the local listen port of the callback server.
	Port int

	// LeaseSeconds is the subscription lease requested from the hub;
	// subscriptions are renewed every lease.
	LeaseSeconds int

	// SubscribeAttempts and SubscribeDelay bound the per-channel subscribe
	// retry loop.
	SubscribeAttempts int
	SubscribeDelay    time.Duration

	// Logger receives tracker diagnostics.
	Logger *slog.Logger
}

// Webhook serves hub callbacks for the tracked channels and maintains the
// subscriptions delivering them.
type Webhook struct {
	events.Publisher

	api      HubAPI
	cfg      WebhookConfig
	logger   *slog.Logger
	channels []string
	tracked  map[string]bool
	secret   string
	router   chi.Router
	state    *channelState
	seen     *notificationLog

	mu       sync.Mutex
	userIDs  map[string]string
	subState map[string]string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWebhook creates a webhook tracker. The HMAC secret protecting
// notifications is generated per instance.
func NewWebhook(api HubAPI, cfg WebhookConfig) (*Webhook, error) {
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = DefaultLeaseSeconds
	}
	if cfg.SubscribeAttempts <= 0 {
		cfg.SubscribeAttempts = DefaultSubscribeAttempts
	}
	if cfg.SubscribeDelay <= 0 {
		cfg.SubscribeDelay = DefaultSubscribeDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("generating webhook secret: %w", err)
	}

	channels := normalizeChannels(cfg.Channels)
	tracked := make(map[string]bool, len(channels))
	for _, ch := range channels {
		tracked[ch] = true
	}

	w := &Webhook{
		api:      api,
		cfg:      cfg,
		logger:   cfg.Logger,
		channels: channels,
		tracked:  tracked,
		secret:   secret,
		state:    newChannelState(),
		seen:     newNotificationLog(notificationHistory),
		userIDs:  make(map[string]string),
		subState: make(map[string]string),
		stopCh:   make(chan struct{}),
	}
	w.router = w.newRouter()
	return w, nil
}

// newSecret returns 16 random bytes in base64, the form the hub echoes back
// as the HMAC key.
func newSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (w *Webhook) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestID)
	r.Use(requestLogging(w.logger))
	r.Use(recovery(w.logger))
	r.Get("/webhook/streams/{channel}", w.handleChallenge)
	r.Post("/webhook/streams/{channel}", w.handleNotification)
	return r
}

// Handler returns the callback HTTP handler, exposed for serving and tests.
func (w *Webhook) Handler() http.Handler { return w.router }

// Run starts the callback server, subscribes all channels, and renews the
// subscriptions every lease until ctx is cancelled or Stop is called. On the
// way out channels still subscribed are unsubscribed and the server shuts
// down gracefully.
func (w *Webhook) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", w.cfg.Port),
		Handler:      w.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		w.logger.Info("webhook callback server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("callback server shutdown", slog.String("error", err.Error()))
		}
	}()
	defer w.unsubscribeAll()

	if err := w.resolveUsers(ctx); err != nil {
		return err
	}
	if err := w.subscribeAll(ctx); err != nil {
		return err
	}

	renew := time.NewTicker(time.Duration(w.cfg.LeaseSeconds) * time.Second)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			w.logger.Info("webhook tracker stopped")
			return nil
		case err := <-serverErr:
			return fmt.Errorf("callback server: %w", err)
		case <-renew.C:
			if err := w.subscribeAll(ctx); err != nil {
				w.logger.Error("subscription renewal failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop requests graceful termination of Run.
func (w *Webhook) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// SubscriptionState returns the hub-confirmed state of a channel.
func (w *Webhook) SubscriptionState(channel string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subState[strings.ToLower(channel)]
}

func (w *Webhook) setSubscriptionState(channel, state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subState[channel] = state
}

// handleChallenge serves the hub verification handshake.
func (w *Webhook) handleChallenge(rw http.ResponseWriter, r *http.Request) {
	channel := strings.ToLower(chi.URLParam(r, "channel"))
	if !w.tracked[channel] {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	switch mode := q.Get("hub.mode"); mode {
	case twitch.HubModeSubscribe, twitch.HubModeUnsubscribe:
		w.setSubscriptionState(channel, mode+"d")
		w.logger.Info("hub handshake confirmed",
			slog.String("channel", channel),
			slog.String("mode", mode),
		)
		rw.Write([]byte(q.Get("hub.challenge")))
	case "denied":
		w.setSubscriptionState(channel, SubStateUnsubscribed)
		w.logger.Warn("hub denied subscription",
			slog.String("channel", channel),
			slog.String("reason", q.Get("hub.reason")),
		)
		rw.WriteHeader(http.StatusOK)
	default:
		rw.WriteHeader(http.StatusBadRequest)
	}
}

// handleNotification serves hub stream notifications.
func (w *Webhook) handleNotification(rw http.ResponseWriter, r *http.Request) {
	channel := strings.ToLower(chi.URLParam(r, "channel"))
	if !w.tracked[channel] {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	if !w.verifySignature(body, r.Header.Get(signatureHeader)) {
		w.logger.Warn("notification signature mismatch", slog.String("channel", channel))
		rw.WriteHeader(http.StatusForbidden)
		return
	}

	id := r.Header.Get(notificationHeader)
	if id == "" {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	if !w.seen.observe(id) {
		// Hubs redeliver; duplicates are acknowledged without effect.
		rw.WriteHeader(http.StatusOK)
		return
	}

	infos, err := twitch.DecodeStreamsPayload(body)
	if err != nil {
		w.logger.Warn("undecodable notification payload",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	var sample *twitch.StreamInfo
	if len(infos) > 0 {
		sample = &infos[0]
	}
	if e := w.state.apply(channel, sample); e != nil {
		w.logger.Debug("stream transition",
			slog.String("channel", channel),
			slog.String("event", string(e.EventType())),
		)
		w.Publish(e)
	}
	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks header "sha256=<hex>" against the HMAC-SHA256 of
// body keyed by the instance secret.
func (w *Webhook) verifySignature(body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

// resolveUsers maps every tracked login to its platform user id.
func (w *Webhook) resolveUsers(ctx context.Context) error {
	users, err := w.api.GetUsers(ctx, nil, w.channels)
	if err != nil {
		return fmt.Errorf("resolving channel ids: %w", err)
	}

	ids := make(map[string]string, len(users))
	for _, u := range users {
		ids[strings.ToLower(u.Login)] = u.ID
	}
	for _, ch := range w.channels {
		if ids[ch] == "" {
			return fmt.Errorf("%w: %s", twitch.ErrChannelNotFound, ch)
		}
	}

	w.mu.Lock()
	w.userIDs = ids
	w.mu.Unlock()
	return nil
}

// subscribeAll subscribes every tracked channel, each with bounded retries.
func (w *Webhook) subscribeAll(ctx context.Context) error {
	var firstErr error
	for _, ch := range w.channels {
		if err := w.postWithRetry(ctx, ch, twitch.HubModeSubscribe); err != nil {
			w.logger.Error("subscribing channel failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("subscribing %s: %w", ch, err)
			}
		}
	}
	return firstErr
}

// unsubscribeAll unsubscribes every channel the hub still has subscribed.
// It runs during teardown, so it uses its own deadline instead of the
// already-cancelled run context.
func (w *Webhook) unsubscribeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, ch := range w.channels {
		if w.SubscriptionState(ch) != SubStateSubscribed {
			continue
		}
		if err := w.api.PostWebhook(ctx, w.callbackURL(ch), twitch.HubModeUnsubscribe,
			w.topic(ch), w.secret, w.cfg.LeaseSeconds); err != nil {
			w.logger.Warn("unsubscribing channel failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *Webhook) postWithRetry(ctx context.Context, channel, mode string) error {
	var lastErr error
	for attempt := 0; attempt < w.cfg.SubscribeAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, w.stopCh, w.cfg.SubscribeDelay); err != nil {
				return err
			}
		}
		lastErr = w.api.PostWebhook(ctx, w.callbackURL(channel), mode,
			w.topic(channel), w.secret, w.cfg.LeaseSeconds)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (w *Webhook) callbackURL(channel string) string {
	return fmt.Sprintf("%s/webhook/streams/%s", strings.TrimSuffix(w.cfg.Host, "/"), channel)
}

func (w *Webhook) topic(channel string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return twitch.StreamsTopic(w.userIDs[channel])
}

// notificationLog is a bounded first-in-first-out record of notification
// ids used to drop hub redeliveries.
type notificationLog struct {
	mu    sync.Mutex
	order []string
	seen  map[string]bool
	max   int
}

func newNotificationLog(max int) *notificationLog {
	return &notificationLog{seen: make(map[string]bool, max), max: max}
}

// observe records id and reports whether it was new.
func (l *notificationLog) observe(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen[id] {
		return false
	}
	l.seen[id] = true
	l.order = append(l.order, id)
	if len(l.order) > l.max {
		delete(l.seen, l.order[0])
		l.order = l.order[1:]
	}
	return true
}
