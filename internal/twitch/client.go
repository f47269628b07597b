package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vodarr/vodarr/internal/version"
	"github.com/vodarr/vodarr/pkg/httpclient"
)

const (
	// HelixURL is the production Helix API base.
	HelixURL = "https://api.twitch.tv/helix"

	// AppTokenURL is the OAuth client-credentials endpoint.
	AppTokenURL = "https://id.twitch.tv/oauth2/token"

	// MaxIDs is the per-request cap on ids or logins accepted by Helix
	// list endpoints.
	MaxIDs = 100

	// Hub subscription modes.
	HubModeSubscribe   = "subscribe"
	HubModeUnsubscribe = "unsubscribe"
)

// Starting bucket sizes until the first response reports real values.
// Bearer-authorized clients get the larger platform quota.
const (
	unauthorizedBucket = 30
	authorizedBucket   = 120
)

// Header and parameter names.
const (
	headerClientID      = "Client-Id"
	headerAuthorization = "Authorization"

	paramUserLogin = "user_login"
	paramUserID    = "user_id"
	paramFirst     = "first"
	paramTypeName  = "type"
	paramSort      = "sort"
	paramID        = "id"
	paramLogin     = "login"
)

var videoTypes = map[string]bool{"all": true, "archive": true, "highlight": true, "upload": true}

// Config configures the Helix client.
type Config struct {
	// ClientID identifies the application; sent with every request.
	ClientID string

	// ClientSecret enables app-token authorization. When set, requests
	// carry a Bearer token obtained through the client-credentials grant
	// and a 401 triggers one re-authorization.
	ClientSecret string

	// OAuthToken is a pre-provisioned token used verbatim instead of the
	// client-credentials flow.
	OAuthToken string

	// BaseURL overrides the Helix base, for tests.
	BaseURL string

	// TokenURL overrides the OAuth token endpoint, for tests.
	TokenURL string

	// HTTPClient overrides the underlying resilient client.
	HTTPClient *httpclient.Client

	// Logger receives request-level debug logs.
	Logger *slog.Logger
}

// Client is the Helix API client. It paces requests from the platform's
// rate-limit headers and caches user id and login lookups.
type Client struct {
	http     *httpclient.Client
	logger   *slog.Logger
	baseURL  string
	clientID string
	static   string
	auth     *appAuth
	bucket   *rateBucket

	mu         sync.Mutex
	idCache    map[string]User
	loginCache map[string]User
}

// NewClient creates a Helix client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Logger)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = HelixURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = AppTokenURL
	}

	c := &Client{
		http:       cfg.HTTPClient,
		logger:     cfg.Logger,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:   cfg.ClientID,
		static:     cfg.OAuthToken,
		bucket:     newRateBucket(unauthorizedBucket),
		idCache:    make(map[string]User),
		loginCache: make(map[string]User),
	}
	if cfg.ClientSecret != "" {
		c.auth = newAppAuth(cfg.HTTPClient, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret)
		c.bucket = newRateBucket(authorizedBucket)
	}
	return c
}

// NewHTTPClient builds the resilient client used for platform calls. The
// retry schedule doubles from two seconds, matching the backoff the
// platform documents for 429 responses.
func NewHTTPClient(logger *slog.Logger) *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryDelay = 2 * time.Second
	cfg.UserAgent = version.UserAgent()
	cfg.Logger = logger
	return httpclient.New(cfg)
}

// GetStreams returns the live broadcasts among the given logins, batching
// requests in groups of MaxIDs. Offline channels simply have no entry.
func (c *Client) GetStreams(ctx context.Context, logins []string) ([]StreamInfo, error) {
	var out []StreamInfo
	for _, batch := range chunkStrings(logins, MaxIDs) {
		q := url.Values{}
		q.Set(paramFirst, strconv.Itoa(MaxIDs))
		for _, login := range batch {
			q.Add(paramUserLogin, strings.ToLower(login))
		}

		var env helixEnvelope
		if err := c.getJSON(ctx, "/streams", q, &env); err != nil {
			return nil, fmt.Errorf("get streams: %w", err)
		}
		for _, raw := range env.Data {
			var rec streamRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("decode stream record: %w", err)
			}
			out = append(out, rec.toInfo(raw))
		}
	}
	return out, nil
}

// GetVideo returns the video with the given id, or ErrVideoNotFound.
func (c *Client) GetVideo(ctx context.Context, videoID string) (*VideoInfo, error) {
	q := url.Values{}
	q.Set(paramID, videoID)

	var env helixEnvelope
	if err := c.getJSON(ctx, "/videos", q, &env); err != nil {
		return nil, fmt.Errorf("get video %s: %w", videoID, err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("video %s: %w", videoID, ErrVideoNotFound)
	}
	info, err := decodeVideo(env.Data[0])
	if err != nil {
		return nil, fmt.Errorf("get video %s: %w", videoID, err)
	}
	return info, nil
}

// GetVideos returns up to limit videos of the channel, newest first,
// filtered by type ("all", "archive", "highlight", "upload").
func (c *Client) GetVideos(ctx context.Context, channel, videoType string, limit int) ([]VideoInfo, error) {
	if !videoTypes[videoType] {
		return nil, fmt.Errorf("invalid video type %q", videoType)
	}
	if limit <= 0 || limit > MaxIDs {
		return nil, fmt.Errorf("limit must be within 1..%d, got %d", MaxIDs, limit)
	}

	userID, err := c.UserID(ctx, channel)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set(paramUserID, userID)
	q.Set(paramFirst, strconv.Itoa(limit))
	q.Set(paramSort, "time")
	q.Set(paramTypeName, videoType)

	var env helixEnvelope
	if err := c.getJSON(ctx, "/videos", q, &env); err != nil {
		return nil, fmt.Errorf("get videos of %s: %w", channel, err)
	}

	out := make([]VideoInfo, 0, len(env.Data))
	for _, raw := range env.Data {
		info, err := decodeVideo(raw)
		if err != nil {
			return nil, fmt.Errorf("get videos of %s: %w", channel, err)
		}
		out = append(out, *info)
	}
	return out, nil
}

// GetUsers resolves ids and logins to users, serving repeat lookups from an
// instance cache. Unknown entries are silently absent from the result.
func (c *Client) GetUsers(ctx context.Context, ids, logins []string) ([]User, error) {
	if len(ids) > MaxIDs {
		return nil, fmt.Errorf("at most %d ids per lookup, got %d", MaxIDs, len(ids))
	}
	if len(logins) > MaxIDs {
		return nil, fmt.Errorf("at most %d logins per lookup, got %d", MaxIDs, len(logins))
	}

	lowered := make([]string, len(logins))
	for i, login := range logins {
		lowered[i] = strings.ToLower(login)
	}

	c.mu.Lock()
	var missingIDs, missingLogins []string
	for _, id := range ids {
		if _, ok := c.idCache[id]; !ok {
			missingIDs = append(missingIDs, id)
		}
	}
	for _, login := range lowered {
		if _, ok := c.loginCache[login]; !ok {
			missingLogins = append(missingLogins, login)
		}
	}
	c.mu.Unlock()

	if len(missingIDs) > 0 || len(missingLogins) > 0 {
		q := url.Values{}
		for _, id := range missingIDs {
			q.Add(paramID, id)
		}
		for _, login := range missingLogins {
			q.Add(paramLogin, login)
		}

		var env struct {
			Data []User `json:"data"`
		}
		if err := c.getJSON(ctx, "/users", q, &env); err != nil {
			return nil, fmt.Errorf("get users: %w", err)
		}

		c.mu.Lock()
		for _, user := range env.Data {
			c.idCache[user.ID] = user
			c.loginCache[user.Login] = user
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]User, 0, len(ids)+len(lowered))
	seen := make(map[string]bool)
	for _, id := range ids {
		if user, ok := c.idCache[id]; ok && !seen[user.ID] {
			seen[user.ID] = true
			out = append(out, user)
		}
	}
	for _, login := range lowered {
		if user, ok := c.loginCache[login]; ok && !seen[user.ID] {
			seen[user.ID] = true
			out = append(out, user)
		}
	}
	return out, nil
}

// UserID resolves a channel login to its user id.
func (c *Client) UserID(ctx context.Context, login string) (string, error) {
	users, err := c.GetUsers(ctx, nil, []string{login})
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", fmt.Errorf("%w: %s", ErrChannelNotFound, login)
	}
	return users[0].ID, nil
}

// PostWebhook sends a hub subscribe or unsubscribe request.
func (c *Client) PostWebhook(ctx context.Context, callback, mode, topic, secret string, leaseSeconds int) error {
	if mode != HubModeSubscribe && mode != HubModeUnsubscribe {
		return fmt.Errorf("invalid hub mode %q", mode)
	}

	q := url.Values{}
	q.Set("hub.callback", callback)
	q.Set("hub.mode", mode)
	q.Set("hub.topic", topic)
	q.Set("hub.lease_seconds", strconv.Itoa(leaseSeconds))
	q.Set("hub.secret", secret)

	if _, err := c.request(ctx, http.MethodPost, "/webhooks/hub", q); err != nil {
		return fmt.Errorf("%s webhook: %w", mode, err)
	}
	return nil
}

// StreamsTopic returns the hub topic identifying stream change
// notifications for a user.
func StreamsTopic(userID string) string {
	return HelixURL + "/streams?user_id=" + userID
}

// DecodeStreamsPayload decodes a streams envelope as delivered by hub
// notifications: a data array of at most one stream record. An empty array
// means the channel went offline.
func DecodeStreamsPayload(body []byte) ([]StreamInfo, error) {
	var env helixEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding streams payload: %w", err)
	}
	out := make([]StreamInfo, 0, len(env.Data))
	for _, raw := range env.Data {
		var rec streamRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode stream record: %w", err)
		}
		out = append(out, rec.toInfo(raw))
	}
	return out, nil
}

type helixEnvelope struct {
	Data       []json.RawMessage `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

type streamRecord struct {
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	GameName  string    `json:"game_name"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

func (r streamRecord) toInfo(raw json.RawMessage) StreamInfo {
	return StreamInfo{
		Channel:   r.UserLogin,
		ChannelID: r.UserID,
		Game:      r.GameName,
		Title:     r.Title,
		StartedAt: r.StartedAt,
		Raw:       raw,
	}
}

type videoRecord struct {
	ID        string    `json:"id"`
	UserLogin string    `json:"user_login"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Duration  string    `json:"duration"`
}

func decodeVideo(raw json.RawMessage) (*VideoInfo, error) {
	var rec videoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode video record: %w", err)
	}
	seconds, err := ParseDuration(rec.Duration)
	if err != nil {
		return nil, err
	}
	return &VideoInfo{
		ID:        rec.ID,
		Title:     rec.Title,
		Type:      rec.Type,
		Channel:   rec.UserLogin,
		CreatedAt: rec.CreatedAt,
		Duration:  seconds,
		Raw:       raw,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, target any) error {
	body, err := c.request(ctx, http.MethodGet, path, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// request performs one Helix call: waits on the rate bucket, attaches
// authorization, and re-authorizes once on 401 when a client secret is
// configured. A second 401 surfaces as an APIError.
func (c *Client) request(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	reauthorized := false
	for {
		if err := c.bucket.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if err := c.setAuth(ctx, req); err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		c.bucket.Update(resp.Header)

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && c.auth != nil && !reauthorized {
			reauthorized = true
			c.auth.Invalidate()
			c.logger.Debug("app token rejected, re-authorizing", slog.String("path", path))
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, newAPIError(resp.StatusCode, body)
		}
		return body, nil
	}
}

func (c *Client) setAuth(ctx context.Context, req *http.Request) error {
	req.Header.Set(headerClientID, c.clientID)
	switch {
	case c.static != "":
		req.Header.Set(headerAuthorization, "Bearer "+c.static)
	case c.auth != nil:
		token, err := c.auth.Token(ctx)
		if err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		req.Header.Set(headerAuthorization, "Bearer "+token)
	}
	return nil
}

func chunkStrings(items []string, size int) [][]string {
	var chunks [][]string
	for len(items) > size {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
