package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-voice-session-controller/internal/models"
	"ai-voice-session-controller/internal/service/capture"
	"ai-voice-session-controller/internal/service/capture/capturetest"
	"ai-voice-session-controller/internal/service/interrupt"
	"ai-voice-session-controller/internal/service/playback"
	"ai-voice-session-controller/internal/service/session"
	"ai-voice-session-controller/internal/service/vad"
	"ai-voice-session-controller/internal/service/voiceapi"
)

const chunkBytes = 640 // 20ms of 16kHz PCM16

// fakeVAD is a connected-on-demand signal channel driven by the test.
type fakeVAD struct {
	mu          sync.Mutex
	handlers    map[int]vad.Handler
	next        int
	connectErr  error
	block       bool
	connects    int
	disconnects int
	sent        int
}

func newFakeVAD() *fakeVAD {
	return &fakeVAD{handlers: make(map[int]vad.Handler)}
}

func (f *fakeVAD) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err, block := f.connectErr, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return fmt.Errorf("%w: %v", vad.ErrChannelUnavailable, ctx.Err())
	}
	return err
}

func (f *fakeVAD) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeVAD) Subscribe(h vad.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeVAD) SendAudio(pcm []byte) error {
	f.mu.Lock()
	f.sent += len(pcm)
	f.mu.Unlock()
	return nil
}

func (f *fakeVAD) sentBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func (f *fakeVAD) subscribers() []vad.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := make([]vad.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	return hs
}

func (f *fakeVAD) emit(kind vad.Kind, ts, dur int64) {
	for _, h := range f.subscribers() {
		h.OnSpeechEvent(vad.SpeechEvent{Kind: kind, TimestampMs: ts, DurationMs: dur})
	}
}

func (f *fakeVAD) lose(err error) {
	for _, h := range f.subscribers() {
		h.OnUnavailable(err)
	}
}

// manualBackend completes items only when the test says so.
type manualBackend struct {
	mu      sync.Mutex
	dones   []func(error)
	stops   int
	failErr error
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

func (b *manualBackend) Play(payload []byte, mimeType string, done func(error)) (playback.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return nil, b.failErr
	}
	b.dones = append(b.dones, done)
	return stopFunc(func() {
		b.mu.Lock()
		b.stops++
		b.mu.Unlock()
	}), nil
}

func (b *manualBackend) played() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dones)
}

func (b *manualBackend) stopped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

func (b *manualBackend) complete(i int, err error) {
	b.mu.Lock()
	done := b.dones[i]
	b.mu.Unlock()
	done(err)
}

type fakeProcessor struct {
	mu    sync.Mutex
	recs  []capture.Recording
	turns []Turn
	reply Reply
	err   error
	block bool
}

func (p *fakeProcessor) Mode() string { return ModeChat }

func (p *fakeProcessor) Process(ctx context.Context, turn Turn, rec capture.Recording) (Reply, error) {
	p.mu.Lock()
	p.recs = append(p.recs, rec)
	p.turns = append(p.turns, turn)
	reply, err, block := p.reply, p.err, p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return Reply{}, ctx.Err()
	}
	return reply, err
}

func (p *fakeProcessor) calls() []capture.Recording {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capture.Recording(nil), p.recs...)
}

type fakePublisher struct {
	mu     sync.Mutex
	phases []models.PhaseTransition
	turns  []models.TurnCompleted
}

func (p *fakePublisher) PublishPhase(ctx context.Context, ev models.PhaseTransition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = append(p.phases, ev)
	return nil
}

func (p *fakePublisher) PublishTurn(ctx context.Context, ev models.TurnCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, ev)
	return nil
}

func (p *fakePublisher) outcomes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, t := range p.turns {
		out = append(out, t.Outcome)
	}
	return out
}

type harness struct {
	t         *testing.T
	ctrl      *Controller
	device    *capturetest.Device
	vad       *fakeVAD
	backend   *manualBackend
	proc      *fakeProcessor
	publisher *fakePublisher
}

type option func(*Config, *Deps)

func withoutVAD() option {
	return func(_ *Config, d *Deps) { d.VAD = nil }
}

func withInterrupt(confirm, silence time.Duration) option {
	return func(c *Config, _ *Deps) {
		c.Interrupt = interrupt.Config{SpeechConfirm: confirm, SilenceThreshold: silence}
	}
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		device:    capturetest.NewDevice(),
		vad:       newFakeVAD(),
		backend:   &manualBackend{},
		proc:      &fakeProcessor{},
		publisher: &fakePublisher{},
	}
	cfg := DefaultConfig()
	cfg.Interrupt = interrupt.Config{SpeechConfirm: 10 * time.Second, SilenceThreshold: 10 * time.Second}
	deps := Deps{
		Opener:    h.device,
		VAD:       h.vad,
		Backend:   h.backend,
		Processor: h.proc,
		Publisher: h.publisher,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.ctrl = New("conv-1", cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	go h.ctrl.Run(ctx)
	t.Cleanup(func() {
		_ = h.ctrl.Close(context.Background())
		cancel()
	})
	return h
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.ctrl.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) waitFor(cond func(Snapshot) bool, msg string) Snapshot {
	h.t.Helper()
	var last Snapshot
	require.Eventually(h.t, func() bool {
		snap, err := h.ctrl.Snapshot(context.Background())
		if err != nil {
			return false
		}
		last = snap
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond, msg)
	return last
}

func (h *harness) waitPhase(p session.Phase) Snapshot {
	h.t.Helper()
	return h.waitFor(func(s Snapshot) bool { return s.Phase == p }, "phase "+p.String())
}

// record pushes n chunks and waits until the capture loop has taken them.
func (h *harness) record(n int) {
	h.t.Helper()
	before := h.vad.sentBytes()
	for i := 0; i < n; i++ {
		require.True(h.t, h.device.Push(make([]byte, chunkBytes)), "device not open")
	}
	require.Eventually(h.t, func() bool {
		return h.vad.sentBytes() >= before+n*chunkBytes
	}, 2*time.Second, time.Millisecond)
}

func (h *harness) begin() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Begin(context.Background()))
	h.waitPhase(session.PhaseListening)
}

// Start recording at t=0, VAD start at 200ms and end at 1800ms, then stop.
func TestController_ExplicitRecordingWithSpeechBoundaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.begin()
	assert.Equal(t, interrupt.ModeAutomatic, h.snapshot().Mode)

	require.NoError(t, h.ctrl.StartRecording(ctx))
	assert.Equal(t, session.PhaseRecording, h.snapshot().Phase)
	h.record(5)

	h.vad.emit(vad.SpeechStart, 200, 0)
	h.waitFor(func(s Snapshot) bool { return s.IsSpeaking }, "speech start applied")

	h.vad.emit(vad.SpeechEnd, 1800, 1600)
	h.waitFor(func(s Snapshot) bool { return !s.IsSpeaking && s.SpeechDurationMs == 1600 }, "speech end applied")
	assert.Equal(t, session.PhaseRecording, h.snapshot().Phase, "silence timer still armed")

	require.NoError(t, h.ctrl.StopRecording(ctx))

	require.Eventually(t, func() bool { return len(h.proc.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	rec := h.proc.calls()[0]
	info, err := capture.ParseWavHeader(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, 16000, info.SampleRate)
	assert.Len(t, rec.Payload, 44+5*chunkBytes)

	snap := h.waitPhase(session.PhaseListening)
	assert.False(t, snap.IsSpeaking)
	assert.Equal(t, int64(1600), snap.SpeechDurationMs)

	// Stop released the recording lease; listening reopens a monitor.
	require.Eventually(t, func() bool {
		return h.device.Opens() == 2 && h.device.Closes() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// Session speaking with an active item, then a manual interrupt.
func TestController_ManualInterruptWhileSpeaking(t *testing.T) {
	h := newHarness(t)
	h.proc.reply = Reply{
		Transcript: "hi",
		Text:       "hello there",
		Audio:      []playback.Item{{MessageID: "m1", Payload: []byte{1, 2, 3}, MimeType: "audio/mpeg"}},
	}
	ctx := context.Background()

	h.begin()
	require.NoError(t, h.ctrl.StartRecording(ctx))
	h.record(3)
	require.NoError(t, h.ctrl.StopRecording(ctx))

	snap := h.waitPhase(session.PhaseSpeaking)
	require.NotNil(t, snap.Playback)
	assert.Equal(t, playback.StatusPlaying, snap.Playback.Status)

	require.NoError(t, h.ctrl.Interrupt(ctx))

	snap = h.snapshot()
	assert.Equal(t, session.PhaseListening, snap.Phase)
	require.NotNil(t, snap.Playback)
	assert.Equal(t, playback.StatusStopped, snap.Playback.Status)
	assert.Equal(t, 1, h.backend.stopped())

	// A late completion from the stopped item changes nothing.
	h.backend.complete(0, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.PhaseListening, h.snapshot().Phase)
	assert.Equal(t, 1, h.backend.played())

	require.Eventually(t, func() bool {
		out := h.publisher.outcomes()
		return len(out) == 1 && out[0] == models.OutcomeInterrupted
	}, 2*time.Second, 5*time.Millisecond)
}

// VAD connect exceeds its timeout: listening is reached degraded and manual
// control keeps working.
func TestController_VADConnectTimeoutDegrades(t *testing.T) {
	// Accepts TCP but never answers the websocket handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := vad.DefaultConfig()
	cfg.URL = "ws://" + ln.Addr().String() + "/ws/vad"
	cfg.ClientID = "test"
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.PingInterval = 0
	client := vad.NewClient(cfg)

	h := newHarness(t, func(_ *Config, d *Deps) { d.VAD = client })
	ctx := context.Background()

	require.NoError(t, h.ctrl.Begin(ctx))
	assert.Equal(t, session.PhaseConnecting, h.snapshot().Phase)

	snap := h.waitPhase(session.PhaseListening)
	assert.Equal(t, interrupt.ModeManualOnly, snap.Mode)
	assert.Empty(t, snap.LastError, "channel unavailability is not surfaced as an error")

	require.NoError(t, h.ctrl.StartRecording(ctx))
	require.NoError(t, h.ctrl.Interrupt(ctx))
	assert.Equal(t, session.PhaseListening, h.snapshot().Phase)

	require.NoError(t, h.ctrl.Interrupt(ctx))
	assert.Equal(t, session.PhaseIdle, h.snapshot().Phase)
}

func TestController_InterruptWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.vad.block = true
	ctx := context.Background()

	require.NoError(t, h.ctrl.Begin(ctx))
	require.NoError(t, h.ctrl.Interrupt(ctx))
	assert.Equal(t, session.PhaseIdle, h.snapshot().Phase)

	// The canceled connect result belongs to the old interaction.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.PhaseIdle, h.snapshot().Phase)
	h.vad.mu.Lock()
	assert.Equal(t, 1, h.vad.disconnects)
	assert.Empty(t, h.vad.handlers)
	h.vad.mu.Unlock()
}

func TestController_IsSpeakingFollowsLatestEvent(t *testing.T) {
	h := newHarness(t)
	h.begin()

	steps := []struct {
		kind vad.Kind
		ts   int64
		want bool
	}{
		{vad.SpeechStart, 100, true},
		{vad.SpeechEnd, 300, false},
		{vad.SpeechStart, 500, true},
		{vad.SpeechEnd, 900, false},
	}
	for _, s := range steps {
		h.vad.emit(s.kind, s.ts, 0)
		h.waitFor(func(snap Snapshot) bool { return snap.IsSpeaking == s.want }, fmt.Sprintf("isSpeaking=%v after %s", s.want, s.kind))
	}
	assert.Equal(t, session.PhaseListening, h.snapshot().Phase, "short utterances never start recording")
}

func TestController_AutomaticTurn(t *testing.T) {
	h := newHarness(t, withInterrupt(20*time.Millisecond, 20*time.Millisecond))
	events, cancel := h.ctrl.Events()
	defer cancel()

	h.begin()
	h.vad.emit(vad.SpeechStart, 100, 0)
	h.waitPhase(session.PhaseRecording)
	h.record(4)
	h.vad.emit(vad.SpeechEnd, 900, 800)

	require.Eventually(t, func() bool { return len(h.proc.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.waitPhase(session.PhaseListening)

	var phases []session.Phase
	timeout := time.After(time.Second)
	for len(phases) < 5 {
		select {
		case ev := <-events:
			if ev.Type == EventPhase {
				phases = append(phases, ev.Phase)
			}
		case <-timeout:
			t.Fatalf("phase events: %v", phases)
		}
	}
	assert.Equal(t, []session.Phase{
		session.PhaseConnecting,
		session.PhaseListening,
		session.PhaseRecording,
		session.PhaseProcessing,
		session.PhaseListening,
	}, phases)

	require.Eventually(t, func() bool {
		out := h.publisher.outcomes()
		return len(out) == 1 && out[0] == models.OutcomeCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestController_BargeIn(t *testing.T) {
	h := newHarness(t)
	h.proc.reply = Reply{Audio: []playback.Item{{MessageID: "m1", Payload: []byte{1}, MimeType: "audio/mpeg"}}}
	ctx := context.Background()

	h.begin()
	require.NoError(t, h.ctrl.StartRecording(ctx))
	h.record(2)
	require.NoError(t, h.ctrl.StopRecording(ctx))
	h.waitPhase(session.PhaseSpeaking)

	h.vad.emit(vad.SpeechStart, 3000, 0)

	snap := h.waitPhase(session.PhaseListening)
	assert.False(t, snap.Recording, "barge-in does not start recording")
	require.NotNil(t, snap.Playback)
	assert.Equal(t, playback.StatusStopped, snap.Playback.Status)
}

func TestController_MultiSentenceReplyPlaysInOrder(t *testing.T) {
	h := newHarness(t)
	h.proc.reply = Reply{Audio: []playback.Item{
		{MessageID: "m1", Payload: []byte{1}, MimeType: "audio/mpeg"},
		{MessageID: "m2", Payload: []byte{2}, MimeType: "audio/mpeg"},
	}}
	ctx := context.Background()

	h.begin()
	require.NoError(t, h.ctrl.StartRecording(ctx))
	h.record(2)
	require.NoError(t, h.ctrl.StopRecording(ctx))
	h.waitPhase(session.PhaseSpeaking)

	h.backend.complete(0, nil)
	snap := h.waitFor(func(s Snapshot) bool { return s.Playback != nil && s.Playback.MessageID == "m2" }, "second item")
	assert.Equal(t, session.PhaseSpeaking, snap.Phase)

	h.backend.complete(1, nil)
	h.waitPhase(session.PhaseListening)
}

func TestController_ReleasesDeviceOnce(t *testing.T) {
	h := newHarness(t, withoutVAD())
	ctx := context.Background()

	h.begin()
	assert.Equal(t, interrupt.ModeDisabled, h.snapshot().Mode)
	assert.Equal(t, 0, h.device.Opens(), "no monitoring without VAD")

	require.NoError(t, h.ctrl.StartRecording(ctx))
	require.NoError(t, h.ctrl.Interrupt(ctx))
	assert.Equal(t, session.PhaseListening, h.snapshot().Phase)
	require.NoError(t, h.ctrl.Interrupt(ctx))
	assert.Equal(t, session.PhaseIdle, h.snapshot().Phase)

	assert.Equal(t, 1, h.device.Opens())
	assert.Equal(t, 1, h.device.Closes())
	assert.False(t, h.device.Held())
}

func TestController_SurfacedErrorsForceIdle(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		message string
	}{
		{
			name: "network error",
			setup: func(h *harness) {
				h.proc.err = &voiceapi.NetworkError{Op: "chat", Status: 503, Err: errors.New("service unavailable")}
			},
			message: "voice chat failed with status 503",
		},
		{
			name: "playback error",
			setup: func(h *harness) {
				h.proc.reply = Reply{Audio: []playback.Item{{MessageID: "m1", Payload: []byte{1}, MimeType: "audio/ogg"}}}
				h.backend.failErr = playback.ErrUnsupportedFormat
			},
			message: "playback of m1 failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			events, cancel := h.ctrl.Events()
			defer cancel()
			ctx := context.Background()

			h.begin()
			require.NoError(t, h.ctrl.StartRecording(ctx))
			h.record(2)
			require.NoError(t, h.ctrl.StopRecording(ctx))

			snap := h.waitPhase(session.PhaseIdle)
			assert.Contains(t, snap.LastError, tt.message)

			var sawError bool
			for !sawError {
				select {
				case ev := <-events:
					sawError = ev.Type == EventError
				case <-time.After(time.Second):
					t.Fatal("no error event")
				}
			}

			require.Eventually(t, func() bool {
				out := h.publisher.outcomes()
				return len(out) == 1 && out[0] == models.OutcomeFailed
			}, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestController_PermissionDeniedOnStart(t *testing.T) {
	h := newHarness(t, withoutVAD())
	h.device.FailOpen(&capture.PermissionError{})
	ctx := context.Background()

	h.begin()
	err := h.ctrl.StartRecording(ctx)
	var permErr *capture.PermissionError
	require.ErrorAs(t, err, &permErr)

	snap := h.snapshot()
	assert.Equal(t, session.PhaseIdle, snap.Phase)
	assert.NotEmpty(t, snap.LastError)

	// Begin clears the surfaced error.
	h.begin()
	assert.Empty(t, h.snapshot().LastError)
}

func TestController_InvalidCommands(t *testing.T) {
	h := newHarness(t, withoutVAD())
	ctx := context.Background()

	assert.ErrorIs(t, h.ctrl.StartRecording(ctx), session.ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.StopRecording(ctx), session.ErrInvalidTransition)
	assert.NoError(t, h.ctrl.Interrupt(ctx), "interrupt in idle is a no-op")

	h.begin()
	assert.NoError(t, h.ctrl.Begin(ctx), "begin is idempotent while active")
	assert.ErrorIs(t, h.ctrl.StopRecording(ctx), session.ErrInvalidTransition)
	assert.Equal(t, session.PhaseListening, h.snapshot().Phase)
}

func TestController_EmptyRecordingReturnsToListening(t *testing.T) {
	h := newHarness(t, withoutVAD())
	ctx := context.Background()

	h.begin()
	require.NoError(t, h.ctrl.StartRecording(ctx))
	err := h.ctrl.StopRecording(ctx)
	assert.ErrorIs(t, err, capture.ErrEmptyRecording)
	assert.Equal(t, session.PhaseListening, h.snapshot().Phase)
	assert.Empty(t, h.proc.calls())
}

func TestController_CancelDropsInFlightTurn(t *testing.T) {
	h := newHarness(t)
	h.proc.block = true
	ctx := context.Background()

	h.begin()
	require.NoError(t, h.ctrl.StartRecording(ctx))
	h.record(2)
	require.NoError(t, h.ctrl.StopRecording(ctx))
	assert.Equal(t, session.PhaseProcessing, h.snapshot().Phase)

	require.NoError(t, h.ctrl.Cancel(ctx))

	// The processor returns context.Canceled for a turn that no longer exists.
	time.Sleep(20 * time.Millisecond)
	snap := h.snapshot()
	assert.Equal(t, session.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.LastError)
	assert.False(t, h.device.Held())
}

func TestController_VADLostMidSession(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.ctrl.Events()
	defer cancel()

	h.begin()
	require.Eventually(t, h.device.Held, 2*time.Second, 5*time.Millisecond, "listening monitors the microphone")

	h.vad.lose(vad.ErrChannelUnavailable)
	snap := h.waitFor(func(s Snapshot) bool { return s.Mode == interrupt.ModeManualOnly }, "manual only")
	assert.Equal(t, session.PhaseListening, snap.Phase)
	assert.False(t, h.device.Held(), "monitoring stops with the channel")

	var degraded bool
	for !degraded {
		select {
		case ev := <-events:
			degraded = ev.Type == EventDegraded
		case <-time.After(time.Second):
			t.Fatal("no degraded event")
		}
	}

	// Speech events after degradation are ignored.
	h.vad.emit(vad.SpeechStart, 100, 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.PhaseListening, h.snapshot().Phase)
}

func TestController_CloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.begin()
	require.NoError(t, h.ctrl.StartRecording(context.Background()))

	require.NoError(t, h.ctrl.Close(context.Background()))
	<-h.ctrl.Done()

	assert.False(t, h.device.Held())
	assert.Equal(t, h.device.Opens(), h.device.Closes())
	_, err := h.ctrl.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, h.ctrl.Close(context.Background()), "close is idempotent")
}

// The microphone prompt is still open when the user interrupts.
func TestController_InterruptWhilePermissionPending(t *testing.T) {
	entered := make(chan struct{}, 1)
	abandoned := make(chan struct{})
	opener := capture.OpenerFunc(func(ctx context.Context, format capture.Format) (capture.Stream, error) {
		entered <- struct{}{}
		<-ctx.Done()
		close(abandoned)
		return nil, ctx.Err()
	})
	h := newHarness(t, withoutVAD(), func(_ *Config, d *Deps) { d.Opener = opener })
	h.begin()

	started := make(chan error, 1)
	go func() { started <- h.ctrl.StartRecording(context.Background()) }()
	<-entered

	snap := h.snapshot()
	assert.Equal(t, session.PhaseListening, snap.Phase)
	assert.False(t, snap.Recording)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Interrupt(ctx))
	assert.Equal(t, session.PhaseIdle, h.snapshot().Phase)

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("StartRecording still waiting after interrupt")
	}
	select {
	case <-abandoned:
	case <-time.After(2 * time.Second):
		t.Fatal("pending open was not canceled")
	}
	assert.Empty(t, h.snapshot().LastError)
}
