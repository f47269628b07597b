package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vodarr/vodarr/pkg/httpclient"
)

const (
	// TokenURL is the production base for playlist access tokens.
	TokenURL = "https://api.twitch.tv/api"

	// UsherURL is the production delivery edge serving variant playlists.
	UsherURL = "https://usher.ttvnw.net"

	// fallbackTokenTTL bounds cache lifetime when a token carries no
	// parseable expiry. Platform tokens are valid for about a day.
	fallbackTokenTTL = 21 * time.Hour
)

// accessToken is a signed playlist access grant.
type accessToken struct {
	Token string `json:"token"`
	Sig   string `json:"sig"`
}

// expiry extracts the expiration instant embedded in the token payload.
func (t accessToken) expiry() time.Time {
	var payload struct {
		Expires int64 `json:"expires"`
	}
	if err := json.Unmarshal([]byte(t.Token), &payload); err == nil && payload.Expires > 0 {
		return time.Unix(payload.Expires, 0)
	}
	return time.Now().Add(fallbackTokenTTL)
}

// UsherConfig configures the usher client.
type UsherConfig struct {
	// ClientID is sent with token requests. Playlist requests carry no
	// identification; the grant travels in the query string.
	ClientID string

	// TokenURL and UsherURL override the production endpoints, for tests.
	TokenURL string
	UsherURL string

	// HTTPClient overrides the underlying resilient client.
	HTTPClient *httpclient.Client

	// Logger receives request-level debug logs.
	Logger *slog.Logger
}

// Usher fetches variant playlists for VODs and live channels. Access tokens
// are cached until their embedded expiry.
type Usher struct {
	http     *httpclient.Client
	logger   *slog.Logger
	clientID string
	tokenURL string
	usherURL string

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	token   accessToken
	expires time.Time
}

// NewUsher creates an usher client from cfg.
func NewUsher(cfg UsherConfig) *Usher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Logger)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = TokenURL
	}
	if cfg.UsherURL == "" {
		cfg.UsherURL = UsherURL
	}
	return &Usher{
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
		clientID: cfg.ClientID,
		tokenURL: strings.TrimSuffix(cfg.TokenURL, "/"),
		usherURL: strings.TrimSuffix(cfg.UsherURL, "/"),
		tokens:   make(map[string]cachedToken),
	}
}

// GetVariantPlaylist returns the variant playlist text for a VOD.
func (u *Usher) GetVariantPlaylist(ctx context.Context, videoID string) (string, error) {
	token, err := u.token(ctx, "vod:"+videoID, "/vods/"+videoID+"/access_token")
	if err != nil {
		return "", fmt.Errorf("vod access token %s: %w", videoID, err)
	}

	q := url.Values{}
	q.Set("nauthsig", token.Sig)
	q.Set("nauth", token.Token)
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")

	body, err := u.http.GetBody(ctx, u.usherURL+"/vod/"+videoID+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("variant playlist %s: %w", videoID, err)
	}
	return string(body), nil
}

// GetLiveVariantPlaylist returns the variant playlist text for a live
// channel.
func (u *Usher) GetLiveVariantPlaylist(ctx context.Context, channel string) (string, error) {
	channel = strings.ToLower(channel)
	token, err := u.token(ctx, "channel:"+channel, "/channels/"+channel+"/access_token")
	if err != nil {
		return "", fmt.Errorf("channel access token %s: %w", channel, err)
	}

	q := url.Values{}
	q.Set("token", token.Token)
	q.Set("sig", token.Sig)
	q.Set("allow_source", "true")

	body, err := u.http.GetBody(ctx, u.usherURL+"/api/channel/hls/"+channel+".m3u8?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("live variant playlist %s: %w", channel, err)
	}
	return string(body), nil
}

// token returns a cached access token for the cache key, fetching it from
// the token endpoint when missing or expired.
func (u *Usher) token(ctx context.Context, key, path string) (accessToken, error) {
	u.mu.Lock()
	cached, ok := u.tokens[key]
	u.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.tokenURL+path+"?need_https=true", nil)
	if err != nil {
		return accessToken{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set(headerClientID, u.clientID)

	body, err := u.http.DoBody(req)
	if err != nil {
		return accessToken{}, err
	}

	var token accessToken
	if err := json.Unmarshal(body, &token); err != nil {
		return accessToken{}, fmt.Errorf("decoding access token: %w", err)
	}

	u.mu.Lock()
	u.tokens[key] = cachedToken{token: token, expires: token.expiry()}
	u.mu.Unlock()
	return token, nil
}

// API bundles the Helix and usher clients behind the single handle the
// capture pipeline consumes.
type API struct {
	*Client
	*Usher
}

// NewAPI builds the combined handle, sharing one resilient HTTP client
// between the Helix and usher sides.
func NewAPI(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Logger)
	}
	return &API{
		Client: NewClient(cfg),
		Usher: NewUsher(UsherConfig{
			ClientID:   cfg.ClientID,
			HTTPClient: cfg.HTTPClient,
			Logger:     cfg.Logger,
		}),
	}
}
