// Package controller runs one voice session: a single event loop that owns
// the phase machine and applies capture, VAD, playback and interrupt
// outcomes in order.
package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-controller/internal/models"
	"ai-voice-session-controller/internal/observability/logging"
	"ai-voice-session-controller/internal/observability/metrics"
	"ai-voice-session-controller/internal/service/capture"
	"ai-voice-session-controller/internal/service/interrupt"
	"ai-voice-session-controller/internal/service/playback"
	"ai-voice-session-controller/internal/service/session"
	"ai-voice-session-controller/internal/service/vad"
)

var (
	ErrClosed = errors.New("voice session closed")
	// ErrInterrupted is returned by StartRecording when the interaction ends
	// before the microphone is granted.
	ErrInterrupted = errors.New("voice interaction interrupted")
)

// SignalChannel is the VAD channel as seen by the controller.
// *vad.Client implements it.
type SignalChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(h vad.Handler) func()
	SendAudio(pcm []byte) error
}

// Publisher receives phase and turn events. *events.Publisher implements it.
type Publisher interface {
	PublishPhase(ctx context.Context, event models.PhaseTransition) error
	PublishTurn(ctx context.Context, event models.TurnCompleted) error
}

// Config holds per-session behavior.
type Config struct {
	// Continuous returns to listening after a turn instead of idle.
	Continuous     bool
	RequestTimeout time.Duration
	PublishTimeout time.Duration
	Interrupt      interrupt.Config
	Format         capture.Format
	Limits         capture.Limits
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		Continuous:     true,
		RequestTimeout: 60 * time.Second,
		PublishTimeout: 5 * time.Second,
		Interrupt:      interrupt.DefaultConfig(),
		Format:         capture.DefaultFormat(),
		Limits:         capture.DefaultLimits(),
	}
}

// Deps are the collaborators of one session. VAD and Publisher may be nil.
type Deps struct {
	Opener    capture.Opener
	VAD       SignalChannel
	Backend   playback.Backend
	Processor Processor
	Publisher Publisher
}

// Snapshot is a consistent view of the session taken inside the loop.
type Snapshot struct {
	SessionID        string         `json:"sessionId"`
	ConversationID   string         `json:"conversationId"`
	Phase            session.Phase  `json:"phase"`
	Mode             interrupt.Mode `json:"mode"`
	ProcessingMode   string         `json:"processingMode"`
	IsSpeaking       bool           `json:"isSpeaking"`
	SpeechDurationMs int64          `json:"speechDurationMs"`
	StartedAt        time.Time      `json:"startedAt"`
	LastSpeechAt     time.Time      `json:"lastSpeechAt,omitempty"`
	TurnID           string         `json:"turnId,omitempty"`
	LastTranscript   string         `json:"lastTranscript,omitempty"`
	LastReply        string         `json:"lastReply,omitempty"`
	Playback         *playback.Item `json:"playback,omitempty"`
	Recording        bool           `json:"recording"`
	LastError        string         `json:"lastError,omitempty"`
}

type command struct {
	fn    func() error
	reply chan error
}

// turn is the in-flight recording → processing → speaking cycle.
type turn struct {
	seq       uint64
	id        string
	started   time.Time
	cancel    context.CancelFunc
	audio     int
	speechMs  int64
	reply     Reply
	finalized time.Time
	processed time.Time
}

// pendingStart is a recording start waiting for the microphone.
type pendingStart struct {
	seq     uint64
	reason  string
	waiters []chan error
}

func (p *pendingStart) resolve(err error) {
	for _, w := range p.waiters {
		w <- err
	}
}

// Controller drives one voice session. All state below the loop marker
// is owned by the Run goroutine.
type Controller struct {
	cfg       Config
	vad       SignalChannel
	processor Processor
	publisher Publisher
	capture   *capture.Manager
	player    *playback.Controller
	coord     *interrupt.Coordinator
	machine   *session.Machine
	turns     *session.TurnIDs
	events    *broadcaster
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	cmds    chan command
	inbox   *mailbox
	outbox  chan func(context.Context)
	started atomic.Bool
	done    chan struct{}
	vadLive atomic.Bool
	epoch   atomic.Uint64
	opens   sync.WaitGroup

	// loop
	runCtx      context.Context
	sess        session.VoiceSession
	ictx        context.Context
	icancel     context.CancelFunc
	unsubscribe func()
	reason      string
	timer       *time.Timer
	turnSeq     uint64
	inflight    *turn
	starting    *pendingStart
	startSeq    uint64
	queue       []playback.Item
	isSpeaking  bool
	speechMs    int64
	lastText    string
	lastReply   string
	lastErr     error
	deferred    []event
	closing     bool
}

// New creates a session controller for a conversation. Commands block
// until Run is started.
func New(conversationID string, cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	sess := session.New(conversationID)
	c := &Controller{
		cfg:       cfg,
		vad:       deps.VAD,
		processor: deps.Processor,
		publisher: deps.Publisher,
		player:    playback.NewController(deps.Backend),
		coord:     interrupt.New(cfg.Interrupt, interrupt.ModeDisabled),
		machine:   session.NewMachine(),
		turns:     session.NewTurnIDs(),
		events:    newBroadcaster(),
		logger:    logging.WithSession(sess.ID, conversationID),
		metrics:   metrics.DefaultMetrics,
		cmds:      make(chan command),
		inbox:     newMailbox(),
		outbox:    make(chan func(context.Context), 256),
		done:      make(chan struct{}),
		sess:      sess,
		runCtx:    context.Background(),
		ictx:      context.Background(),
		icancel:   func() {},
	}
	c.capture = capture.NewManager(deps.Opener, cfg.Format, cfg.Limits, c.forward, capture.Hooks{
		OnError: func(err error) {
			c.post(event{kind: evCaptureError, epoch: c.loadEpoch(), err: err})
		},
		OnLimit: func(reason string) {
			c.post(event{kind: evLimit, epoch: c.loadEpoch(), reason: reason})
		},
	})
	c.machine.OnTransition(c.onTransition)
	return c
}

// ID returns the voice session ID.
func (c *Controller) ID() string {
	return c.sess.ID
}

// ConversationID returns the conversation the session belongs to.
func (c *Controller) ConversationID() string {
	return c.sess.ConversationID
}

// Done is closed when the loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Events subscribes to view notifications. The channel is closed when the
// session closes or the returned func is called.
func (c *Controller) Events() (<-chan Event, func()) {
	return c.events.subscribe()
}

// Run processes commands and events until ctx is canceled or Close is
// called. It releases every resource before returning.
func (c *Controller) Run(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.runCtx = ctx
	c.metrics.RecordSessionOpened()
	c.logger.Info().Msg("Voice session started")

	pubDone := make(chan struct{})
	go c.publishLoop(pubDone)

	defer func() {
		c.toIdle("session closed")
		c.capture.Close()
		c.opens.Wait()
		close(c.outbox)
		<-pubDone
		c.events.close()
		c.metrics.RecordSessionClosed(time.Since(c.sess.StartedAt).Seconds())
		c.logger.Info().Msg("Voice session closed")
		close(c.done)
	}()

	for !c.closing {
		if len(c.deferred) > 0 {
			ev := c.deferred[0]
			c.deferred = c.deferred[1:]
			c.handle(ev)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn()
		case <-c.inbox.signal:
			c.deferred = append(c.deferred, c.inbox.drain()...)
		}
	}
}

// do runs fn on the loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Begin starts a voice interaction: idle → connecting, then listening once
// the VAD channel is ready or known to be unavailable. No-op when an
// interaction is already active.
func (c *Controller) Begin(ctx context.Context) error {
	return c.do(ctx, c.begin)
}

// StartRecording opens a recording buffer from listening. It returns once
// the microphone is granted and the session is recording, or with
// ErrInterrupted if the interaction ended while access was pending.
func (c *Controller) StartRecording(ctx context.Context) error {
	started := make(chan error, 1)
	err := c.do(ctx, func() error {
		return c.requestRecording("start requested", started)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-started:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-started:
			return err
		default:
			return ErrClosed
		}
	}
}

// StopRecording finalizes the recording and hands it to the processor.
// Returns capture.ErrEmptyRecording when nothing was captured.
func (c *Controller) StopRecording(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.check(session.PhaseProcessing); err != nil {
			return err
		}
		return c.finishRecording("stop requested")
	})
}

// Interrupt applies a manual interrupt. Its effects are complete when it returns.
func (c *Controller) Interrupt(ctx context.Context) error {
	return c.do(ctx, func() error {
		phase := c.machine.Phase()
		c.metrics.RecordInterrupt("manual", phase.String())
		return c.apply(c.coord.Manual(phase))
	})
}

// Cancel ends the interaction and returns to idle.
func (c *Controller) Cancel(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.toIdle("canceled")
		return nil
	})
}

// Close ends the interaction, stops the loop and clears any remote session
// state. Safe to call more than once.
func (c *Controller) Close(ctx context.Context) error {
	err := c.do(ctx, func() error {
		c.toIdle("session closed")
		c.closing = true
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	<-c.done

	if ender, ok := c.processor.(SessionEnder); ok {
		if err := ender.EndSession(ctx, c.sess.ID); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to clear remote session")
		}
	}
	return nil
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:        c.sess.ID,
		ConversationID:   c.sess.ConversationID,
		Phase:            c.machine.Phase(),
		Mode:             c.coord.Mode(),
		IsSpeaking:       c.isSpeaking,
		SpeechDurationMs: c.speechMs,
		StartedAt:        c.sess.StartedAt,
		LastSpeechAt:     c.sess.LastSpeechAt,
		LastTranscript:   c.lastText,
		LastReply:        c.lastReply,
		Recording:        c.capture.IsRecording(),
	}
	if c.processor != nil {
		snap.ProcessingMode = c.processor.Mode()
	}
	if c.inflight != nil {
		snap.TurnID = c.inflight.id
	}
	if item, ok := c.player.Current(); ok {
		snap.Playback = &item
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

// forward runs on the capture read goroutine.
func (c *Controller) forward(chunk capture.AudioChunk) {
	if c.vad == nil || !c.vadLive.Load() {
		return
	}
	_ = c.vad.SendAudio(chunk.Bytes)
}

func (c *Controller) publishLoop(done chan<- struct{}) {
	defer close(done)
	for fn := range c.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
		fn(ctx)
		cancel()
	}
}

// enqueue hands a publish to the publisher goroutine, dropping it when the
// queue is full.
func (c *Controller) enqueue(fn func(context.Context)) {
	if c.publisher == nil {
		return
	}
	select {
	case c.outbox <- fn:
	default:
		c.logger.Warn().Msg("Event publish queue full, event dropped")
	}
}

func (c *Controller) emit(ev Event) {
	ev.SessionID = c.sess.ID
	ev.Time = time.Now().UTC()
	c.events.publish(ev)
}

// mailbox is an unbounded queue so that producers never block on the loop.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(ev event) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
