package vad

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	events      chan SpeechEvent
	unavailable chan error
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan SpeechEvent, 16), unavailable: make(chan error, 1)}
}

func (r *eventRecorder) OnSpeechEvent(ev SpeechEvent) { r.events <- ev }
func (r *eventRecorder) OnUnavailable(err error)      { r.unavailable <- err }

func (r *eventRecorder) next(t *testing.T) SpeechEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for speech event")
		return SpeechEvent{}
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/vad"
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ClientID = "test-client"
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.ReconnectBackoff = 10 * time.Millisecond
	cfg.MaxReconnects = 1
	cfg.PingInterval = 0
	return cfg
}

func newDetectionServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	srv := NewServer(DefaultServerConfig())
	var conns atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		srv.ServeClient(w, r, "")
	}))
	t.Cleanup(ts.Close)
	return ts, &conns
}

func TestClient_SpeechEventsWithAudioTimestamps(t *testing.T) {
	ts, _ := newDetectionServer(t)
	c := NewClient(testConfig(wsURL(ts)))
	defer c.Disconnect()

	rec := newEventRecorder()
	unsubscribe := c.Subscribe(rec)
	defer unsubscribe()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	silence := tone(0)
	speech := tone(8000)
	var audio []byte
	for i := 0; i < 10; i++ {
		audio = append(audio, silence...)
	}
	for i := 0; i < 5; i++ {
		audio = append(audio, speech...)
	}
	for i := 0; i < SilenceFrames; i++ {
		audio = append(audio, silence...)
	}
	require.NoError(t, c.SendAudio(audio))

	start := rec.next(t)
	assert.Equal(t, SpeechStart, start.Kind)
	assert.Equal(t, int64(200), start.TimestampMs)

	end := rec.next(t)
	assert.Equal(t, SpeechEnd, end.Kind)
	assert.Equal(t, int64(480), end.TimestampMs)
	assert.Equal(t, int64(280), end.DurationMs)
}

func TestClient_PartialFramesAreHeld(t *testing.T) {
	ts, _ := newDetectionServer(t)
	c := NewClient(testConfig(wsURL(ts)))
	defer c.Disconnect()

	rec := newEventRecorder()
	c.Subscribe(rec)
	require.NoError(t, c.Connect(context.Background()))

	speech := tone(8000)
	half := len(speech) / 2
	require.NoError(t, c.SendAudio(speech[:half]))
	require.NoError(t, c.SendAudio(speech[half:]))

	ev := rec.next(t)
	assert.Equal(t, SpeechStart, ev.Kind)
	assert.Equal(t, int64(0), ev.TimestampMs)
}

func TestClient_ConcurrentConnectSharesOneDial(t *testing.T) {
	ts, conns := newDetectionServer(t)
	c := NewClient(testConfig(wsURL(ts)))
	defer c.Disconnect()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), conns.Load())
}

func TestClient_ConnectTimeout(t *testing.T) {
	// Accepts TCP but never answers the websocket handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig("ws://" + ln.Addr().String() + "/ws/vad")
	cfg.ConnectTimeout = 100 * time.Millisecond
	c := NewClient(cfg)

	start := time.Now()
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, c.Connected())
}

func TestClient_Disabled(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws/vad")
	cfg.Enabled = false
	c := NewClient(cfg)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrDisabled)
	assert.ErrorIs(t, c.SendAudio(tone(0)), ErrNotConnected)
}

func TestClient_ReconnectExhaustedReportsUnavailable(t *testing.T) {
	var upgrades atomic.Int32
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if upgrades.Add(1) > 1 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close()
	}))
	defer ts.Close()

	c := NewClient(testConfig(wsURL(ts)))
	defer c.Disconnect()
	rec := newEventRecorder()
	c.Subscribe(rec)

	require.NoError(t, c.Connect(context.Background()))

	select {
	case err := <-rec.unavailable:
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	case <-time.After(3 * time.Second):
		t.Fatal("expected OnUnavailable after reconnects were exhausted")
	}
	assert.False(t, c.Connected())
	assert.GreaterOrEqual(t, upgrades.Load(), int32(2))
}

func TestClient_DisconnectStopsEvents(t *testing.T) {
	ts, _ := newDetectionServer(t)
	c := NewClient(testConfig(wsURL(ts)))
	rec := newEventRecorder()
	c.Subscribe(rec)

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()
	c.Disconnect()

	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.SendAudio(tone(8000)), ErrNotConnected)

	select {
	case ev := <-rec.events:
		t.Fatalf("unexpected event after Disconnect: %+v", ev)
	case err := <-rec.unavailable:
		t.Fatalf("Disconnect must not report unavailability: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	ts, _ := newDetectionServer(t)
	c := NewClient(testConfig(wsURL(ts)))
	defer c.Disconnect()

	rec := newEventRecorder()
	unsubscribe := c.Subscribe(rec)
	require.NoError(t, c.Connect(context.Background()))

	unsubscribe()
	unsubscribe()
	require.NoError(t, c.SendAudio(tone(8000)))

	select {
	case ev := <-rec.events:
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
