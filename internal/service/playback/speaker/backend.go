// Package speaker plays audio on the default output device with beep.
package speaker

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"

	"ai-voice-session-controller/internal/service/playback"
)

// Backend implements playback.Backend on the beep speaker. The speaker is
// initialized once at SampleRate and other formats are resampled.
type Backend struct {
	sampleRate beep.SampleRate
	quality    int

	once    sync.Once
	initErr error
}

// New creates a backend whose output runs at sampleRate.
func New(sampleRate int) *Backend {
	return &Backend{sampleRate: beep.SampleRate(sampleRate), quality: 4}
}

func (b *Backend) init() error {
	b.once.Do(func() {
		b.initErr = speaker.Init(b.sampleRate, b.sampleRate.N(time.Second/10))
	})
	return b.initErr
}

// Play decodes payload and starts it on the speaker.
func (b *Backend) Play(payload []byte, mimeType string, done func(error)) (playback.Handle, error) {
	streamer, format, err := decode(payload, mimeType)
	if err != nil {
		return nil, err
	}
	if err := b.init(); err != nil {
		_ = streamer.Close()
		return nil, fmt.Errorf("speaker init failed: %w", err)
	}

	var s beep.Streamer = streamer
	if format.SampleRate != b.sampleRate {
		s = beep.Resample(b.quality, format.SampleRate, b.sampleRate, streamer)
	}

	h := &handle{source: streamer}
	h.ctrl = &beep.Ctrl{Streamer: beep.Seq(s, beep.Callback(func() {
		// Runs on the speaker goroutine with the speaker lock held.
		go h.finish(done)
	}))}
	speaker.Play(h.ctrl)
	return h, nil
}

func decode(payload []byte, mimeType string) (beep.StreamSeekCloser, beep.Format, error) {
	switch mt := strings.ToLower(mimeType); {
	case strings.Contains(mt, "mpeg"), strings.Contains(mt, "mp3"):
		return mp3.Decode(io.NopCloser(bytes.NewReader(payload)))
	case strings.Contains(mt, "wav"), mt == "":
		return wav.Decode(bytes.NewReader(payload))
	default:
		return nil, beep.Format{}, fmt.Errorf("%w: %s", playback.ErrUnsupportedFormat, mimeType)
	}
}

type handle struct {
	ctrl   *beep.Ctrl
	source beep.StreamSeekCloser

	mu      sync.Mutex
	stopped bool
}

func (h *handle) finish(done func(error)) {
	h.mu.Lock()
	stopped := h.stopped
	h.stopped = true
	h.mu.Unlock()
	err := h.source.Err()
	_ = h.source.Close()
	if !stopped && done != nil {
		done(err)
	}
}

// Stop detaches the stream from the speaker mixer.
func (h *handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	speaker.Lock()
	h.ctrl.Streamer = nil
	speaker.Unlock()
	_ = h.source.Close()
}
