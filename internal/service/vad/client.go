package vad

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"ai-voice-session-controller/internal/observability/logging"
	"ai-voice-session-controller/internal/observability/metrics"
)

// Handler receives channel notifications. Calls for one client are
// delivered sequentially, in arrival order.
type Handler interface {
	// OnSpeechEvent is called for each speech boundary.
	OnSpeechEvent(ev SpeechEvent)
	// OnUnavailable is called once when the channel is lost for good.
	OnUnavailable(err error)
}

// conn is one live websocket connection.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Client is a websocket client for the detection service. Concurrent
// Connect calls share a single dial.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	group   singleflight.Group
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// dispatchMu is held while events are delivered so Disconnect can
	// guarantee no event arrives after it returns.
	dispatchMu sync.Mutex

	mu          sync.Mutex
	conn        *conn
	wanted      bool
	cancelRetry context.CancelFunc
	handlers    map[uint64]Handler
	nextHandler uint64
	pending     []byte

	frames       int64
	inSpeech     bool
	speechStart  int64
	lastDuration int64
}

// NewClient creates a client. It does not connect.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger:   logging.WithVADClient(cfg.ClientID, cfg.URL),
		metrics:  metrics.DefaultMetrics,
		handlers: make(map[uint64]Handler),
	}
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Connected reports whether a connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the channel. It returns nil if already connected and
// ErrChannelUnavailable if the service cannot be reached within
// ConnectTimeout.
func (c *Client) Connect(ctx context.Context) error {
	if !c.cfg.Enabled {
		return ErrDisabled
	}
	c.mu.Lock()
	c.wanted = true
	live := c.conn != nil
	c.mu.Unlock()
	if live {
		return nil
	}

	ch := c.group.DoChan("connect", func() (any, error) {
		return nil, c.dial()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, ctx.Err())
	}
}

// Disconnect closes the channel and stops reconnecting. No events are
// delivered after it returns. Idempotent.
func (c *Client) Disconnect() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.wanted = false
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	c.pending = nil
	c.mu.Unlock()

	if cn != nil {
		cn.close()
		c.logger.Info().Msg("VAD channel disconnected")
	}
}

// Subscribe registers h and returns a function that removes it.
func (c *Client) Subscribe(h Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.dispatchMu.Lock()
			defer c.dispatchMu.Unlock()
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// SendAudio queues pcm for detection, split into 20ms frames. Partial
// frames are held until the next call. Frames are dropped if the send
// queue is full.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	cn := c.conn
	if cn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	frameBytes := FrameBytes(c.cfg.SampleRate)
	c.pending = append(c.pending, pcm...)
	var frames [][]byte
	for len(c.pending) >= frameBytes {
		frames = append(frames, c.pending[:frameBytes])
		c.pending = c.pending[frameBytes:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	} else {
		c.pending = append([]byte(nil), c.pending...)
	}
	c.mu.Unlock()

	aggr := c.cfg.Aggressiveness
	for _, f := range frames {
		msg, err := sonic.Marshal(ClientMessage{
			Type:           TypeAudioFrame,
			Data:           base64.StdEncoding.EncodeToString(f),
			SampleRate:     c.cfg.SampleRate,
			Aggressiveness: &aggr,
		})
		if err != nil {
			return err
		}
		if !c.queue(cn, msg) {
			c.logger.Debug().Msg("VAD send queue full, frame dropped")
			continue
		}
		c.metrics.RecordVADFrame()
	}
	return nil
}

// Reset asks the service to clear utterance state and drops any
// partial frame.
func (c *Client) Reset() error {
	c.mu.Lock()
	cn := c.conn
	c.pending = nil
	c.inSpeech = false
	c.lastDuration = 0
	c.mu.Unlock()
	if cn == nil {
		return ErrNotConnected
	}
	msg, err := sonic.Marshal(ClientMessage{Type: TypeReset})
	if err != nil {
		return err
	}
	c.queue(cn, msg)
	return nil
}

func (c *Client) queue(cn *conn, msg []byte) bool {
	select {
	case <-cn.done:
		return false
	default:
	}
	select {
	case cn.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if c.cfg.ClientID != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(c.cfg.ClientID)
	}
	return u.String(), nil
}

// dial opens one connection, bounded by ConnectTimeout, and installs it.
func (c *Client) dial() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	target, err := c.endpoint()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	c.metrics.RecordVADConnect(err, time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn().Err(err).Msg("VAD connect failed")
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	cn := &conn{ws: ws, send: make(chan []byte, c.cfg.SendQueue), done: make(chan struct{})}
	c.mu.Lock()
	if !c.wanted {
		c.mu.Unlock()
		cn.close()
		return fmt.Errorf("%w: disconnected while connecting", ErrChannelUnavailable)
	}
	c.conn = cn
	c.pending = nil
	c.mu.Unlock()

	c.logger.Info().Dur("latency", time.Since(start)).Msg("VAD channel connected")
	go c.writePump(cn)
	go c.readLoop(cn)
	return nil
}

func (c *Client) writePump(cn *conn) {
	var tick <-chan time.Time
	if c.cfg.PingInterval > 0 {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	ping, _ := sonic.Marshal(ClientMessage{Type: TypePing})

	for {
		select {
		case <-cn.done:
			return
		case msg := <-cn.send:
			if err := c.write(cn, msg); err != nil {
				c.lost(cn, err)
				return
			}
		case <-tick:
			if err := c.write(cn, ping); err != nil {
				c.lost(cn, err)
				return
			}
		}
	}
}

func (c *Client) write(cn *conn, msg []byte) error {
	if c.cfg.WriteTimeout > 0 {
		_ = cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return cn.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) readLoop(cn *conn) {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			c.lost(cn, err)
			return
		}

		var msg ServerMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid VAD message")
			continue
		}

		switch msg.Type {
		case TypeVADEvent:
			c.handleVADEvent(cn, msg)
		case TypeError:
			c.logger.Warn().Str("message", msg.Message).Msg("VAD service error")
		case TypePong, TypeResetAck:
			c.logger.Debug().Str("type", msg.Type).Msg("VAD control message")
		default:
			c.logger.Debug().Str("type", msg.Type).Msg("Unknown VAD message type")
		}
	}
}

// handleVADEvent turns a per-frame result into speech boundaries.
// Timestamps are audio time: frame index times the frame duration.
func (c *Client) handleVADEvent(cn *conn, msg ServerMessage) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	ts := c.frames * FrameMs
	c.frames++

	var events []SpeechEvent
	if msg.SpeechStarted {
		c.inSpeech = true
		c.speechStart = ts
		c.lastDuration = 0
		events = append(events, SpeechEvent{Kind: SpeechStart, TimestampMs: ts})
	}
	if msg.IsSpeech && msg.DurationMs > 0 {
		c.lastDuration = msg.DurationMs
	}
	if msg.SpeechEnded {
		d := msg.DurationMs
		if d == 0 {
			d = c.lastDuration
		}
		if d == 0 && c.inSpeech {
			d = ts - c.speechStart
		}
		c.inSpeech = false
		c.lastDuration = 0
		events = append(events, SpeechEvent{Kind: SpeechEnd, TimestampMs: ts, DurationMs: d})
	}
	handlers := c.snapshotHandlers()
	c.mu.Unlock()

	for _, ev := range events {
		c.metrics.RecordSpeechEvent(ev.Kind.String())
		for _, h := range handlers {
			h.OnSpeechEvent(ev)
		}
	}
}

// snapshotHandlers must be called with c.mu held.
func (c *Client) snapshotHandlers() []Handler {
	out := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h)
	}
	return out
}

// lost tears down cn and starts reconnecting if the channel is still wanted.
func (c *Client) lost(cn *conn, err error) {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		cn.close()
		return
	}
	c.conn = nil
	c.pending = nil
	wanted := c.wanted
	var ctx context.Context
	if wanted {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		c.cancelRetry = cancel
	}
	c.mu.Unlock()
	cn.close()

	if !wanted {
		return
	}
	c.logger.Warn().Err(err).Msg("VAD channel lost, reconnecting")
	go c.reconnect(ctx)
}

func (c *Client) reconnect(ctx context.Context) {
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxReconnects), retry.NewExponential(c.cfg.ReconnectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err, _ := c.group.Do("connect", func() (any, error) {
			return nil, c.dial()
		})
		c.metrics.RecordVADReconnect(err)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	if !c.wanted || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.wanted = false
	c.cancelRetry = nil
	handlers := c.snapshotHandlers()
	c.mu.Unlock()

	err = fmt.Errorf("%w: reconnect failed: %v", ErrChannelUnavailable, err)
	c.logger.Error().Err(err).Msg("VAD channel unavailable")
	for _, h := range handlers {
		h.OnUnavailable(err)
	}
}
