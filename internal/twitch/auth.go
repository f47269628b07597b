package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vodarr/vodarr/pkg/httpclient"
)

// appAuth obtains and caches an app access token through the OAuth
// client-credentials grant.
type appAuth struct {
	http         *httpclient.Client
	tokenURL     string
	clientID     string
	clientSecret string

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newAppAuth(hc *httpclient.Client, tokenURL, clientID, clientSecret string) *appAuth {
	return &appAuth{
		http:         hc,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Token returns the cached app token, refreshing it when missing or expired.
func (a *appAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.expiry) {
		return a.token, nil
	}
	return a.refreshLocked(ctx)
}

// Invalidate discards the cached token so the next Token call re-authorizes.
// Called after the platform rejects a request with 401.
func (a *appAuth) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
}

func (a *appAuth) refreshLocked(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("client_id", a.clientID)
	q.Set("client_secret", a.clientSecret)
	q.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}

	body, err := a.http.DoBody(req)
	if err != nil {
		return "", fmt.Errorf("requesting app token: %w", err)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return "", fmt.Errorf("decoding app token: %w", err)
	}
	if grant.AccessToken == "" {
		return "", fmt.Errorf("app token response missing access_token")
	}

	a.token = grant.AccessToken
	a.expiry = time.Now().Add(time.Duration(grant.ExpiresIn)*time.Second - time.Second)
	return a.token, nil
}
