// Package portaudio opens the default input device with PortAudio.
package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"ai-voice-session-controller/internal/service/capture"
)

// Opener implements capture.Opener on the default PortAudio input device.
// PortAudio is initialized on first open and terminated by Terminate.
type Opener struct {
	mu          sync.Mutex
	initialized bool
}

func New() *Opener {
	return &Opener{}
}

// Open starts a blocking mono PCM16 input stream.
func (o *Opener) Open(ctx context.Context, format capture.Format) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.init(); err != nil {
		return nil, classify(err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return nil, classify(err)
	}

	in := make([]int16, format.SamplesPerChunk())
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(format.SampleRate), len(in), in)
	if err != nil {
		return nil, classify(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, classify(err)
	}
	return newStream(stream, in), nil
}

// Terminate releases PortAudio. Call once at process shutdown.
func (o *Opener) Terminate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return nil
	}
	o.initialized = false
	return portaudio.Terminate()
}

func (o *Opener) init() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init failed: %w", err)
	}
	o.initialized = true
	return nil
}

// classify maps PortAudio failures onto the capture error taxonomy.
func classify(err error) error {
	var hostErr portaudio.UnanticipatedHostError
	if errors.As(err, &hostErr) {
		text := strings.ToLower(hostErr.Text)
		if strings.Contains(text, "permission") || strings.Contains(text, "denied") || strings.Contains(text, "not authorized") {
			return &capture.PermissionError{Err: err}
		}
	}
	return &capture.DeviceError{Op: "open", Err: err}
}

// paStream is the part of *portaudio.Stream used after Start.
type paStream interface {
	Read() error
	Abort() error
	Close() error
}

var errStreamClosed = errors.New("portaudio stream closed")

// Stream adapts a blocking PortAudio stream to capture.Stream. PortAudio
// must not close a stream while another thread is inside Read, so a Close
// during Read only aborts it and the reader closes it on return.
type Stream struct {
	mu      sync.Mutex
	stream  paStream
	in      []int16
	closed  bool
	reading bool
	done    chan error
	buf     bytes.Buffer
}

func newStream(stream paStream, in []int16) *Stream {
	return &Stream{stream: stream, in: in, done: make(chan error, 1)}
}

// Read blocks for one buffer of samples.
func (s *Stream) Read() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStreamClosed
	}
	s.reading = true
	s.mu.Unlock()

	err := s.stream.Read()

	s.mu.Lock()
	s.reading = false
	if s.closed {
		s.mu.Unlock()
		s.done <- s.stream.Close()
		return nil, errStreamClosed
	}
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			// Overflow drops samples but the stream is still usable.
			return nil, nil
		}
		return nil, err
	}
	s.buf.Reset()
	if err := binary.Write(&s.buf, binary.LittleEndian, s.in); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.buf.Bytes()...), nil
}

// Close stops and closes the stream, waiting for a pending Read to
// return first. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if !s.reading {
		s.mu.Unlock()
		_ = s.stream.Abort()
		return s.stream.Close()
	}
	// Held across Abort so the reader cannot close the stream under it.
	_ = s.stream.Abort()
	s.mu.Unlock()
	return <-s.done
}
