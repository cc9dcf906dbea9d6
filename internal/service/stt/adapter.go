// Package stt transcribes finalized recordings for dictation turns.
// Streaming providers implement Adapter; Streaming turns any Adapter into
// a one-shot Transcriber.
package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"ai-voice-session-controller/internal/service/capture"
)

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim/partial transcript is received.
	OnPartial(text string)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnEndOfUtterance is called once the provider has no more results.
	OnEndOfUtterance()

	// OnError is called when an error occurs during transcription.
	OnError(err error)
}

// Adapter defines the interface for streaming STT providers.
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources.
	Close() error
}

// Result is the transcript of one recording.
type Result struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Partials   int     `json:"partials"`
}

// Transcriber transcribes a complete recording.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (Result, error)
}

// ErrNoTranscript is returned when the provider produced no final text.
var ErrNoTranscript = errors.New("no transcript produced")

// Factory creates a fresh adapter per recording.
type Factory func(ctx context.Context) (Adapter, error)

// Streaming feeds a recording through a streaming Adapter.
type Streaming struct {
	New        Factory
	ChunkBytes int           // bytes per SendAudio call
	Timeout    time.Duration // bound on waiting for the end of results
}

// Transcribe strips a WAV header if present, streams the PCM in chunks and
// waits for the provider to finish.
func (s Streaming) Transcribe(ctx context.Context, audio []byte, mimeType string) (Result, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	pcm := audio
	if strings.Contains(mimeType, "wav") {
		if _, err := capture.ParseWavHeader(audio); err == nil {
			pcm = audio[44:]
		}
	}

	adapter, err := s.New(ctx)
	if err != nil {
		return Result{}, err
	}
	col := newCollector()
	if err := adapter.Start(ctx, col); err != nil {
		_ = adapter.Close()
		return Result{}, err
	}

	chunk := s.ChunkBytes
	if chunk <= 0 {
		chunk = 3200
	}
	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		if err := adapter.SendAudio(ctx, pcm[off:end]); err != nil {
			_ = adapter.Close()
			return Result{}, err
		}
	}
	if err := adapter.Close(); err != nil {
		return Result{}, err
	}

	select {
	case <-col.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return col.result()
}

// collector accumulates callbacks for one Transcribe call.
type collector struct {
	mu       sync.Mutex
	finals   []string
	confSum  float64
	partials int
	err      error
	once     sync.Once
	done     chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) OnPartial(string) {
	c.mu.Lock()
	c.partials++
	c.mu.Unlock()
}

func (c *collector) OnFinal(text string, confidence float64) {
	c.mu.Lock()
	if t := strings.TrimSpace(text); t != "" {
		c.finals = append(c.finals, t)
		c.confSum += confidence
	}
	c.mu.Unlock()
}

func (c *collector) OnEndOfUtterance() {
	c.once.Do(func() { close(c.done) })
}

func (c *collector) OnError(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *collector) result() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Result{}, c.err
	}
	if len(c.finals) == 0 {
		return Result{Partials: c.partials}, ErrNoTranscript
	}
	return Result{
		Transcript: strings.Join(c.finals, " "),
		Confidence: c.confSum / float64(len(c.finals)),
		Partials:   c.partials,
	}, nil
}
