// Package capture owns the microphone: it acquires and releases the device,
// buffers raw audio chunks and assembles finalized recordings.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-controller/internal/observability/logging"
	"ai-voice-session-controller/internal/observability/metrics"
)

// Limits defines safety guardrails for a single recording.
type Limits struct {
	MaxAudioBytes int64         // Max buffered audio per recording
	MaxDuration   time.Duration // Max recording duration
	PreRoll       time.Duration // Audio kept while monitoring and prepended to the next recording
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 5 * 1024 * 1024, // 5MB (~160 seconds at 16kHz 16-bit mono)
		MaxDuration:   5 * time.Minute,
		PreRoll:       300 * time.Millisecond,
	}
}

// FrameSink receives every chunk read while forwarding is enabled.
type FrameSink func(chunk AudioChunk)

// Hooks are invoked from the device read goroutine.
type Hooks struct {
	// OnError is called once when the device fails mid-use.
	OnError func(err error)
	// OnLimit is called once per recording when a limit is exceeded.
	OnLimit func(reason string)
}

// lease is one scoped acquisition of the device. release runs exactly once.
type lease struct {
	id       uint64
	stream   Stream
	once     sync.Once
	released atomic.Bool
	done     chan struct{}
}

func (l *lease) release() bool {
	first := false
	l.once.Do(func() {
		first = true
		l.released.Store(true)
		_ = l.stream.Close()
		close(l.done)
	})
	return first
}

// Manager is the exclusive owner of the microphone handle and the open
// RecordingBuffer.
type Manager struct {
	opener  Opener
	format  Format
	limits  Limits
	sink    FrameSink
	hooks   Hooks
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// fwd serializes sink calls against Stop/Abort so forwarding is
	// suppressed before those return.
	fwd        sync.RWMutex
	forwarding bool

	// opening admits one device open at a time.
	opening chan struct{}

	mu          sync.Mutex
	gen         uint64 // bumped by every release; pending opens of an older gen are abandoned
	lease       *lease
	leaseSeq    uint64
	buffer      *RecordingBuffer
	limitHit    bool
	preroll     []AudioChunk
	prerollSize int
	seq         uint64
	closed      bool
}

// NewManager creates a capture manager. sink may be nil.
func NewManager(opener Opener, format Format, limits Limits, sink FrameSink, hooks Hooks) *Manager {
	return &Manager{
		opener:  opener,
		format:  format,
		limits:  limits,
		sink:    sink,
		hooks:   hooks,
		opening: make(chan struct{}, 1),
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithComponent("capture"),
	}
}

// Format returns the capture format.
func (m *Manager) Format() Format {
	return m.format
}

// IsOpen reports whether the device is currently held.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lease != nil
}

// IsRecording reports whether a recording buffer is open.
func (m *Manager) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer != nil
}

// Monitor opens the device without a recording buffer. Chunks are
// forwarded to the sink and kept as pre-roll. No-op if already open.
// Returns ErrAborted if Abort, Stop or Close ran while the device was
// being opened.
func (m *Manager) Monitor(ctx context.Context) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	if err := m.ensureOpen(ctx, gen); err != nil {
		return err
	}

	m.fwd.Lock()
	defer m.fwd.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return ErrAborted
	}
	if m.lease != nil {
		m.forwarding = true
	}
	return nil
}

// Start acquires the device if needed and opens a new RecordingBuffer.
// Opening may block on a permission prompt; canceling ctx or calling Abort
// abandons it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.buffer != nil {
		m.mu.Unlock()
		return ErrAlreadyRecording
	}
	gen := m.gen
	m.mu.Unlock()

	if err := m.ensureOpen(ctx, gen); err != nil {
		return err
	}

	m.fwd.Lock()
	m.mu.Lock()
	switch {
	case m.gen != gen:
		m.mu.Unlock()
		m.fwd.Unlock()
		return ErrAborted
	case m.lease == nil:
		// Device lost between open and buffer creation.
		m.mu.Unlock()
		m.fwd.Unlock()
		return &DeviceError{Op: "open", Err: errors.New("device released during start")}
	case m.buffer != nil:
		m.mu.Unlock()
		m.fwd.Unlock()
		return ErrAlreadyRecording
	}
	buf := NewRecordingBuffer(m.format)
	for _, c := range m.preroll {
		_ = buf.Append(c)
	}
	m.preroll = nil
	m.prerollSize = 0
	m.buffer = buf
	m.limitHit = false
	m.forwarding = true
	m.mu.Unlock()
	m.fwd.Unlock()

	m.metrics.RecordRecordingStarted()
	m.logger.Debug().Int("prerollBytes", int(buf.Size())).Msg("Recording buffer opened")
	return nil
}

// Stop suppresses forwarding, releases the device and finalizes the
// buffer. Returns ErrEmptyRecording when no audio was captured.
func (m *Manager) Stop() (Recording, error) {
	buf, _ := m.detach()
	if buf == nil {
		return Recording{}, ErrNotRecording
	}

	rec, err := buf.Finalize()
	if err != nil {
		m.metrics.RecordRecordingDiscarded("empty")
		m.logger.Debug().Err(err).Msg("Recording discarded")
		return Recording{}, err
	}
	m.metrics.RecordRecordingFinalized(len(rec.Payload))
	m.logger.Debug().
		Int("bytes", rec.PCMBytes).
		Int("chunks", rec.Chunks).
		Dur("duration", rec.Duration).
		Msg("Recording finalized")
	return rec, nil
}

// Abort discards any open buffer and releases the device.
// Returns true if a recording was discarded.
func (m *Manager) Abort(reason string) bool {
	buf, released := m.detach()
	if buf != nil {
		_, _ = buf.Finalize()
		m.metrics.RecordRecordingDiscarded(reason)
	}
	if buf != nil || released {
		m.logger.Debug().Str("reason", reason).Bool("discarded", buf != nil).Msg("Capture aborted")
	}
	return buf != nil
}

// Close releases everything and rejects further use. Idempotent.
func (m *Manager) Close() {
	m.Abort("closed")
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// detach suppresses forwarding, releases the lease and takes the buffer.
func (m *Manager) detach() (*RecordingBuffer, bool) {
	m.fwd.Lock()
	defer m.fwd.Unlock()
	m.forwarding = false

	m.mu.Lock()
	m.gen++
	buf := m.buffer
	l := m.lease
	m.buffer = nil
	m.lease = nil
	m.preroll = nil
	m.prerollSize = 0
	m.mu.Unlock()

	released := false
	if l != nil {
		released = l.release()
	}
	return buf, released
}

// ensureOpen acquires the device unless it is already held. A release
// after gen was read abandons the open and closes any stream it produced.
func (m *Manager) ensureOpen(ctx context.Context, gen uint64) error {
	select {
	case m.opening <- struct{}{}:
	case <-ctx.Done():
		return m.abandoned(gen, ctx.Err())
	}
	defer func() { <-m.opening }()

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.gen != gen:
		m.mu.Unlock()
		return ErrAborted
	case m.lease != nil:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	stream, err := m.opener.Open(ctx, m.format)

	m.mu.Lock()
	if m.closed || m.gen != gen {
		closed := m.closed
		m.mu.Unlock()
		if err == nil {
			_ = stream.Close()
		}
		m.logger.Debug().Bool("closed", closed).Msg("Microphone open abandoned")
		if closed {
			return ErrClosed
		}
		return ErrAborted
	}
	if err != nil {
		m.mu.Unlock()
		err = classifyOpenError(err)
		m.metrics.RecordDeviceError(errorKind(err))
		m.logger.Warn().Err(err).Msg("Failed to open microphone")
		return err
	}
	m.leaseSeq++
	l := &lease{id: m.leaseSeq, stream: stream, done: make(chan struct{})}
	m.lease = l
	m.mu.Unlock()

	m.logger.Debug().Uint64("lease", l.id).Int("sampleRate", m.format.SampleRate).Msg("Microphone acquired")
	go m.readLoop(l)
	return nil
}

func (m *Manager) abandoned(gen uint64, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return ErrAborted
	}
	return &DeviceError{Op: "open", Err: err}
}

func (m *Manager) readLoop(l *lease) {
	for {
		data, err := l.stream.Read()
		if l.released.Load() {
			return
		}
		if err != nil {
			m.deviceLost(l, err)
			return
		}
		if len(data) == 0 {
			continue
		}
		m.deliver(l, data)
	}
}

func (m *Manager) deliver(l *lease, data []byte) {
	m.mu.Lock()
	if m.lease != l {
		m.mu.Unlock()
		return
	}
	m.seq++
	chunk := AudioChunk{
		Sequence: m.seq,
		Bytes:    append([]byte(nil), data...),
		MimeType: MimePCM,
	}

	var limitReason string
	if m.buffer != nil {
		if !m.limitHit {
			_ = m.buffer.Append(chunk)
			limitReason = m.checkLimits()
			if limitReason != "" {
				m.limitHit = true
			}
		}
	} else {
		m.pushPreroll(chunk)
	}
	m.mu.Unlock()

	m.metrics.RecordAudioCaptured(len(data))

	m.fwd.RLock()
	if m.forwarding && m.sink != nil {
		m.sink(chunk)
	}
	m.fwd.RUnlock()

	if limitReason != "" {
		m.logger.Warn().Str("reason", limitReason).Msg("Recording limit exceeded")
		if m.hooks.OnLimit != nil {
			m.hooks.OnLimit(limitReason)
		}
	}
}

// checkLimits must be called with m.mu held.
func (m *Manager) checkLimits() string {
	size := m.buffer.Size()
	if m.limits.MaxAudioBytes > 0 && size > m.limits.MaxAudioBytes {
		return fmt.Sprintf("max audio bytes exceeded: %d > %d", size, m.limits.MaxAudioBytes)
	}
	if elapsed := m.format.Duration(int(size)); m.limits.MaxDuration > 0 && elapsed > m.limits.MaxDuration {
		return fmt.Sprintf("max duration exceeded: %v > %v", elapsed, m.limits.MaxDuration)
	}
	return ""
}

// pushPreroll must be called with m.mu held.
func (m *Manager) pushPreroll(chunk AudioChunk) {
	if m.limits.PreRoll <= 0 {
		return
	}
	m.preroll = append(m.preroll, chunk)
	m.prerollSize += len(chunk.Bytes)
	for len(m.preroll) > 1 && m.format.Duration(m.prerollSize-len(m.preroll[0].Bytes)) >= m.limits.PreRoll {
		m.prerollSize -= len(m.preroll[0].Bytes)
		m.preroll = m.preroll[1:]
	}
}

func (m *Manager) deviceLost(l *lease, err error) {
	m.fwd.Lock()
	m.mu.Lock()
	if m.lease != l {
		m.mu.Unlock()
		m.fwd.Unlock()
		return
	}
	buf := m.buffer
	m.buffer = nil
	m.lease = nil
	m.preroll = nil
	m.prerollSize = 0
	m.forwarding = false
	m.mu.Unlock()
	m.fwd.Unlock()

	l.release()
	if buf != nil {
		_, _ = buf.Finalize()
		m.metrics.RecordRecordingDiscarded("device_lost")
	}
	m.metrics.RecordDeviceError("lost")

	devErr := &DeviceError{Op: "read", Err: err, Recording: buf != nil}
	m.logger.Error().Err(err).Bool("recording", buf != nil).Msg("Microphone lost")
	if m.hooks.OnError != nil {
		m.hooks.OnError(devErr)
	}
}

func errorKind(err error) string {
	var permErr *PermissionError
	if errors.As(err, &permErr) {
		return "permission"
	}
	return "device"
}
