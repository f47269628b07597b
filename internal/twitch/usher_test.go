package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const variantPlaylistBody = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=6000000,VIDEO="chunked"
https://d1.ttvnw.net/abc/chunked/index-dvr.m3u8
`

func newTestUsher(t *testing.T, mux *http.ServeMux) *Usher {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewUsher(UsherConfig{
		ClientID: "test-client-id",
		TokenURL: srv.URL + "/api",
		UsherURL: srv.URL + "/usher",
		Logger:   testLogger(),
	})
}

func tokenBody(t *testing.T, expires time.Time) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]any{"expires": expires.Unix()})
	require.NoError(t, err)
	out, err := json.Marshal(map[string]string{"token": string(inner), "sig": "signature"})
	require.NoError(t, err)
	return out
}

func TestGetVariantPlaylist(t *testing.T) {
	var tokenCalls atomic.Int32
	var usherQuery url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/api/vods/1234567890/access_token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.Equal(t, "true", r.URL.Query().Get("need_https"))
		assert.Equal(t, "test-client-id", r.Header.Get("Client-Id"))
		w.Write(tokenBody(t, time.Now().Add(time.Hour)))
	})
	mux.HandleFunc("/usher/vod/1234567890", func(w http.ResponseWriter, r *http.Request) {
		usherQuery = r.URL.Query()
		assert.Empty(t, r.Header.Get("Client-Id"))
		fmt.Fprint(w, variantPlaylistBody)
	})

	u := newTestUsher(t, mux)
	playlist, err := u.GetVariantPlaylist(context.Background(), "1234567890")
	require.NoError(t, err)

	assert.Equal(t, variantPlaylistBody, playlist)
	assert.Equal(t, "signature", usherQuery.Get("nauthsig"))
	assert.Contains(t, usherQuery.Get("nauth"), "expires")
	assert.Equal(t, "true", usherQuery.Get("allow_source"))
	assert.Equal(t, "true", usherQuery.Get("allow_audio_only"))

	// Second fetch reuses the cached token.
	_, err = u.GetVariantPlaylist(context.Background(), "1234567890")
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestGetVariantPlaylistRefreshesExpiredToken(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/vods/42/access_token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Write(tokenBody(t, time.Now().Add(-time.Minute)))
	})
	mux.HandleFunc("/usher/vod/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, variantPlaylistBody)
	})

	u := newTestUsher(t, mux)
	_, err := u.GetVariantPlaylist(context.Background(), "42")
	require.NoError(t, err)
	_, err = u.GetVariantPlaylist(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, int32(2), tokenCalls.Load())
}

func TestGetLiveVariantPlaylist(t *testing.T) {
	var usherQuery url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/api/channels/forsen/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tokenBody(t, time.Now().Add(time.Hour)))
	})
	mux.HandleFunc("/usher/api/channel/hls/forsen.m3u8", func(w http.ResponseWriter, r *http.Request) {
		usherQuery = r.URL.Query()
		fmt.Fprint(w, variantPlaylistBody)
	})

	u := newTestUsher(t, mux)
	playlist, err := u.GetLiveVariantPlaylist(context.Background(), "Forsen")
	require.NoError(t, err)

	assert.Equal(t, variantPlaylistBody, playlist)
	assert.Equal(t, "signature", usherQuery.Get("sig"))
	assert.NotEmpty(t, usherQuery.Get("token"))
	assert.Equal(t, "true", usherQuery.Get("allow_source"))
	assert.Empty(t, usherQuery.Get("allow_audio_only"))
}

func TestAccessTokenExpiryFallback(t *testing.T) {
	tok := accessToken{Token: "not json", Sig: "sig"}
	expiry := tok.expiry()
	assert.WithinDuration(t, time.Now().Add(fallbackTokenTTL), expiry, time.Minute)
}
