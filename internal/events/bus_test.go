package events

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered events. Assertions run after Bus.Close, which
// waits for all queues to drain, so reads are race free.
type recorder struct {
	mu  sync.Mutex
	got []Event
}

func (r *recorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.got...)
}

func (r *recorder) types() []Type {
	var out []Type
	for _, e := range r.events() {
		out = append(out, e.EventType())
	}
	return out
}

func TestBusDeliversToConcreteSubscriber(t *testing.T) {
	bus := NewBus(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	rec := &recorder{}
	bus.Subscribe(rec, TypeStreamOffline)

	bus.Publish(NewStreamOffline("forsen"))
	bus.Close()

	got := rec.events()
	require.Len(t, got, 1)
	offline, ok := got[0].(StreamOffline)
	require.True(t, ok)
	assert.Equal(t, "forsen", offline.Channel)
}

func TestBusCategoryRouting(t *testing.T) {
	t.Run("download category receives all download events", func(t *testing.T) {
		bus := NewBus(nil)
		rec := &recorder{}
		bus.Subscribe(rec, TypeDownload)

		bus.Publish(NewBeginDownloading("123", "forsen"))
		bus.Publish(NewPlaylistUpdated(3, 3))
		bus.Publish(NewDownloadedChunk())
		bus.Publish(NewEndDownloading("123", "forsen"))
		bus.Publish(NewStreamOffline("forsen"))
		bus.Close()

		assert.Equal(t, []Type{
			TypeBeginDownloading,
			TypePlaylistUpdated,
			TypeDownloadedChunk,
			TypeEndDownloading,
		}, rec.types())
	})

	t.Run("stream changed receives derived stream online", func(t *testing.T) {
		bus := NewBus(nil)
		rec := &recorder{}
		bus.Subscribe(rec, TypeStreamChanged)

		bus.Publish(NewStreamOnline("forsen", "1", "game", "title", time.Now()))
		bus.Publish(NewStreamChanged("forsen", "1", "game", "retitle", time.Now()))
		bus.Close()

		assert.Equal(t, []Type{TypeStreamOnline, TypeStreamChanged}, rec.types())
	})
}

func TestBusDeliversOncePerRegistration(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(rec, TypeStreamOnline)
	bus.Subscribe(rec, TypeStreamChanged)

	bus.Publish(NewStreamOnline("forsen", "1", "game", "title", time.Now()))
	bus.Close()

	assert.Equal(t, []Type{TypeStreamOnline, TypeStreamOnline}, rec.types())
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(rec, TypeStreamOffline)
	bus.Unsubscribe(rec, TypeStreamOffline)

	bus.Publish(NewStreamOffline("forsen"))
	bus.Close()

	assert.Empty(t, rec.events())
}

func TestBusUnsubscribeLeavesOtherRegistrations(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(rec, TypeStreamOnline, TypeStreamOffline)
	bus.Unsubscribe(rec, TypeStreamOnline)

	bus.Publish(NewStreamOnline("forsen", "1", "game", "title", time.Now()))
	bus.Publish(NewStreamOffline("forsen"))
	bus.Close()

	assert.Equal(t, []Type{TypeStreamOffline}, rec.types())
}

func TestBusFIFOPerSubscriber(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(rec, TypePlaylistUpdated)

	const n = 200
	for i := 0; i < n; i++ {
		bus.Publish(NewPlaylistUpdated(i, 1))
	}
	bus.Close()

	got := rec.events()
	require.Len(t, got, n)
	for i, e := range got {
		assert.Equal(t, i, e.(PlaylistUpdated).Total)
	}
}

// panicker counts invocations and panics on every event.
type panicker struct {
	calls atomic.Int32
}

func (p *panicker) HandleEvent(Event) {
	p.calls.Add(1)
	panic("subscriber bug")
}

func TestBusIsolatesPanickingSubscriber(t *testing.T) {
	var logBuf bytes.Buffer
	bus := NewBus(slog.New(slog.NewTextHandler(&logBuf, nil)))

	bad := &panicker{}
	good := &recorder{}
	bus.Subscribe(bad, TypeStreamOffline)
	bus.Subscribe(good, TypeStreamOffline)

	bus.Publish(NewStreamOffline("forsen"))
	bus.Publish(NewStreamOffline("nymn"))
	bus.Publish(NewStreamOffline("psp1g"))
	bus.Close()

	assert.Equal(t, int32(3), bad.calls.Load())
	require.Len(t, good.events(), 3)
	assert.Contains(t, logBuf.String(), "subscriber panicked")
	assert.Contains(t, logBuf.String(), "*events.panicker")
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(nil)
	release := make(chan struct{})
	slow := &blockingHandler{release: release}
	bus.Subscribe(slow, TypeStreamOffline)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(NewStreamOffline("forsen"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	close(release)
	bus.Close()
	assert.Equal(t, int32(50), slow.calls.Load())
}

type blockingHandler struct {
	calls   atomic.Int32
	release chan struct{}
	once    sync.Once
}

func (h *blockingHandler) HandleEvent(Event) {
	h.once.Do(func() { <-h.release })
	h.calls.Add(1)
}

// republisher turns a stream online notification into a download event, the
// way the capture facade does.
type republisher struct {
	Publisher
}

func (r *republisher) HandleEvent(e Event) {
	if online, ok := e.(StreamOnline); ok {
		r.Publish(NewBeginDownloading("v1", online.Channel))
	}
}

func TestBusPublishFromHandler(t *testing.T) {
	bus := NewBus(nil)
	relay := &republisher{}
	rec := &recorder{}
	bus.Connect(relay)
	bus.Subscribe(relay, TypeStreamOnline)
	bus.Subscribe(rec, TypeDownload)

	bus.Publish(NewStreamOnline("forsen", "1", "game", "title", time.Now()))

	require.Eventually(t, func() bool {
		return len(rec.events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	bus.Close()

	got := rec.events()
	require.Len(t, got, 1)
	assert.Equal(t, "forsen", got[0].(BeginDownloading).Channel)
}

func TestBusCloseDropsLaterPublishes(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(rec, TypeStreamOffline)

	bus.Publish(NewStreamOffline("forsen"))
	bus.Close()
	bus.Publish(NewStreamOffline("nymn"))
	bus.Close()

	assert.Len(t, rec.events(), 1)
}

func TestPublisherWithoutBusIsNoop(t *testing.T) {
	var p Publisher
	assert.NotPanics(t, func() {
		p.Publish(NewStreamOffline("forsen"))
	})
	assert.Nil(t, p.Bus())
}
