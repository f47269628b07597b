package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodarr/vodarr/internal/events"
	"github.com/vodarr/vodarr/internal/twitch"
)

// mediaServer serves a queue of media playlists, one per request with the
// last one repeating, plus the segment bodies they reference.
type mediaServer struct {
	*httptest.Server

	mu           sync.Mutex
	playlists    []string
	variantCalls int
	failSegs     map[int]bool
}

func newMediaServer(t *testing.T, playlists ...string) *mediaServer {
	t.Helper()
	ms := &mediaServer{playlists: playlists, failSegs: make(map[int]bool)}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		defer ms.mu.Unlock()

		if r.URL.Path == "/media.m3u8" {
			fmt.Fprint(w, ms.playlists[0])
			if len(ms.playlists) > 1 {
				ms.playlists = ms.playlists[1:]
			}
			return
		}
		if m := segmentPathRE.FindStringSubmatch(r.URL.Path); m != nil {
			n, _ := strconv.Atoi(m[1])
			if ms.failSegs[n] {
				http.Error(w, "gone", http.StatusInternalServerError)
				return
			}
			w.Write(segBody(n))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *mediaServer) variant() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.variantCalls++
	return fmt.Sprintf(`#EXTM3U
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="chunked",NAME="source",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=6000000,VIDEO="chunked"
%s/media.m3u8
`, ms.URL)
}

func (ms *mediaServer) variantCallCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.variantCalls
}

func (ms *mediaServer) setSegmentFailing(n int, failing bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failSegs[n] = failing
}

func vodPlaylist(n int, endlist bool) string {
	text := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n"
	for i := 0; i < n; i++ {
		text += fmt.Sprintf("#EXTINF:10.0,\n%d.ts\n", i)
	}
	if endlist {
		text += "#EXT-X-ENDLIST\n"
	}
	return text
}

func livePlaylist(seq, n int, endlist bool) string {
	text := fmt.Sprintf("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for i := 0; i < n; i++ {
		text += fmt.Sprintf("#EXTINF:2.0,\n%d.ts\n", seq+i)
	}
	if endlist {
		text += "#EXT-X-ENDLIST\n"
	}
	return text
}

type fakeAPI struct {
	ms *mediaServer

	mu    sync.Mutex
	video twitch.VideoInfo
}

func (a *fakeAPI) GetVideo(_ context.Context, _ string) (*twitch.VideoInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.video
	return &v, nil
}

func (a *fakeAPI) GetVariantPlaylist(context.Context, string) (string, error) {
	return a.ms.variant(), nil
}

func (a *fakeAPI) GetLiveVariantPlaylist(context.Context, string) (string, error) {
	return a.ms.variant(), nil
}

// eventRecorder collects bus deliveries for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) HandleEvent(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) typeSequence() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.EventType())
	}
	return types
}

func (r *eventRecorder) find(t events.Type) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.EventType() == t {
			return e
		}
	}
	return nil
}

// finishedVideo is a recording that ended long ago.
func finishedVideo(channel string) twitch.VideoInfo {
	return twitch.VideoInfo{
		ID:        "v123",
		Channel:   channel,
		Type:      "archive",
		CreatedAt: time.Now().Add(-24 * time.Hour),
		Duration:  3600,
	}
}

// recordingVideo is a recording that just started.
func recordingVideo(channel string) twitch.VideoInfo {
	return twitch.VideoInfo{
		ID:        "v123",
		Channel:   channel,
		Type:      "archive",
		CreatedAt: time.Now(),
		Duration:  0,
	}
}

func testManagerConfig(t *testing.T) ManagerConfig {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.Concurrency = 3
	cfg.PlaylistPeriod = 2 * time.Millisecond
	cfg.LivePeriod = 2 * time.Millisecond
	cfg.HTTPClient = testHTTPClient(t)
	return cfg
}

func recordDownloadEvents(t *testing.T, mgr *Manager) *eventRecorder {
	t.Helper()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	rec := &eventRecorder{}
	bus.Subscribe(rec, events.TypeDownload)
	bus.Connect(mgr)
	return rec
}

func TestDownloadArchiveFinishedVOD(t *testing.T) {
	ms := newMediaServer(t, vodPlaylist(5, true))
	api := &fakeAPI{ms: ms, video: finishedVideo("forsen")}

	cfg := testManagerConfig(t)
	cfg.UpdatesToFinish = 1
	mgr := NewManager(api, cfg)
	rec := recordDownloadEvents(t, mgr)

	var sink bytes.Buffer
	require.NoError(t, mgr.DownloadArchive(context.Background(), "v123", &sink, -1))
	assert.Equal(t, concatenated(0, 5), sink.Bytes())

	mgr.Bus().Close()
	assert.Equal(t, []events.Type{
		events.TypeBeginDownloading,
		events.TypePlaylistUpdated,
		events.TypeDownloadedChunk,
		events.TypeDownloadedChunk,
		events.TypeDownloadedChunk,
		events.TypeDownloadedChunk,
		events.TypeDownloadedChunk,
		events.TypeEndDownloading,
	}, rec.typeSequence())

	pu, ok := rec.find(events.TypePlaylistUpdated).(events.PlaylistUpdated)
	require.True(t, ok)
	assert.Equal(t, 5, pu.Total)
	assert.Equal(t, 5, pu.ToLoad)
}

func TestDownloadArchiveGrowingVOD(t *testing.T) {
	ms := newMediaServer(t,
		vodPlaylist(3, false),
		vodPlaylist(5, true),
	)
	api := &fakeAPI{ms: ms, video: finishedVideo("forsen")}

	cfg := testManagerConfig(t)
	cfg.UpdatesToFinish = 1
	mgr := NewManager(api, cfg)

	var sink bytes.Buffer
	require.NoError(t, mgr.DownloadArchive(context.Background(), "v123", &sink, -1))
	// Two passes, no duplicates: 0-2 from the first playlist, 3-4 from the
	// grown one.
	assert.Equal(t, concatenated(0, 5), sink.Bytes())
}

func TestDownloadArchiveResume(t *testing.T) {
	ms := newMediaServer(t, vodPlaylist(6, true))
	api := &fakeAPI{ms: ms, video: finishedVideo("forsen")}

	cfg := testManagerConfig(t)
	cfg.UpdatesToFinish = 1
	mgr := NewManager(api, cfg)

	var sink bytes.Buffer
	require.NoError(t, mgr.DownloadArchive(context.Background(), "v123", &sink, 2))
	assert.Equal(t, concatenated(3, 3), sink.Bytes())
}

func TestDownloadArchiveOutlivesStuckRecordingFlag(t *testing.T) {
	// The platform keeps growing the reported duration of a glitched VOD
	// while its playlist stays frozen. The download must still end once the
	// window of empty refreshes fills and the wall clock has moved past the
	// reported end.
	ms := newMediaServer(t, vodPlaylist(2, false))
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{ms: ms, video: twitch.VideoInfo{
		ID:        "v123",
		Channel:   "forsen",
		Type:      "archive",
		CreatedAt: created,
		Duration:  10,
	}}

	cfg := testManagerConfig(t)
	cfg.UpdatesToFinish = 3
	mgr := NewManager(api, cfg)

	var (
		clockMu sync.Mutex
		clock   = created
	)
	mgr.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(3 * time.Minute)
		return clock
	}

	var sink bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- mgr.DownloadArchive(context.Background(), "v123", &sink, -1)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("archive download did not finish")
	}
	assert.Equal(t, concatenated(0, 2), sink.Bytes())
}

func TestDownloadArchiveReresolvesExpiredURL(t *testing.T) {
	ms := newMediaServer(t,
		vodPlaylist(2, false),
		vodPlaylist(4, true),
	)
	api := &fakeAPI{ms: ms, video: finishedVideo("forsen")}

	cfg := testManagerConfig(t)
	cfg.UpdatesToFinish = 1
	mgr := NewManager(api, cfg)

	// The second batch starts out unreachable, as if the playlist URL
	// expired mid-download.
	ms.setSegmentFailing(2, true)
	go func() {
		time.Sleep(50 * time.Millisecond)
		ms.setSegmentFailing(2, false)
	}()

	var sink bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- mgr.DownloadArchive(context.Background(), "v123", &sink, -1)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("archive download did not finish")
	}

	assert.Equal(t, concatenated(0, 4), sink.Bytes())
	assert.Greater(t, ms.variantCallCount(), 1, "a total fetch failure must re-resolve the playlist url")
}

func TestDownloadArchiveUnknownQualityIsFatal(t *testing.T) {
	ms := newMediaServer(t, vodPlaylist(2, true))
	api := &fakeAPI{ms: ms, video: finishedVideo("forsen")}

	cfg := testManagerConfig(t)
	cfg.Quality = "1440p"
	mgr := NewManager(api, cfg)

	var sink bytes.Buffer
	err := mgr.DownloadArchive(context.Background(), "v123", &sink, -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1440p")
}

func TestDownloadArchiveContextCancellation(t *testing.T) {
	ms := newMediaServer(t, vodPlaylist(2, false))
	api := &fakeAPI{ms: ms, video: recordingVideo("forsen")}

	mgr := NewManager(api, testManagerConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	var sink bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- mgr.DownloadArchive(ctx, "v123", &sink, -1)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not stop the download")
	}
}

func TestDownloadLiveUntilEndlist(t *testing.T) {
	ms := newMediaServer(t,
		livePlaylist(100, 3, false),
		livePlaylist(103, 2, true),
	)
	api := &fakeAPI{ms: ms}

	mgr := NewManager(api, testManagerConfig(t))
	rec := recordDownloadEvents(t, mgr)

	var sink bytes.Buffer
	require.NoError(t, mgr.DownloadLive(context.Background(), "forsen", &sink))
	assert.Equal(t, concatenated(100, 5), sink.Bytes())

	mgr.Bus().Close()
	types := rec.typeSequence()
	assert.Equal(t, events.TypeBeginDownloadingLive, types[0])
	assert.Equal(t, events.TypeEndDownloadingLive, types[len(types)-1])
	assert.Nil(t, rec.find(events.TypeSegmentGap))

	end, ok := rec.find(events.TypeEndDownloadingLive).(events.EndDownloadingLive)
	require.True(t, ok)
	assert.Equal(t, "forsen", end.Channel)
}

func TestDownloadLiveWindowSlip(t *testing.T) {
	ms := newMediaServer(t,
		livePlaylist(100, 2, false),
		livePlaylist(200, 2, true),
	)
	api := &fakeAPI{ms: ms}

	mgr := NewManager(api, testManagerConfig(t))
	rec := recordDownloadEvents(t, mgr)

	var sink bytes.Buffer
	require.NoError(t, mgr.DownloadLive(context.Background(), "forsen", &sink))

	// The capture resumes past the discontinuity.
	want := append(concatenated(100, 2), concatenated(200, 2)...)
	assert.Equal(t, want, sink.Bytes())

	mgr.Bus().Close()
	gap, ok := rec.find(events.TypeSegmentGap).(events.SegmentGap)
	require.True(t, ok)
	assert.Equal(t, "forsen", gap.Channel)
	assert.Equal(t, 101, gap.From)
	assert.Equal(t, 200, gap.To)
}

func TestDownloadLiveDrainsFinalWindow(t *testing.T) {
	// Endlist arrives together with fresh segments; they must be written
	// before the download ends.
	ms := newMediaServer(t, livePlaylist(7, 4, true))
	api := &fakeAPI{ms: ms}

	mgr := NewManager(api, testManagerConfig(t))

	var sink bytes.Buffer
	require.NoError(t, mgr.DownloadLive(context.Background(), "forsen", &sink))
	assert.Equal(t, concatenated(7, 4), sink.Bytes())
}
