// Package capturetest provides an in-memory microphone for tests.
package capturetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"ai-voice-session-controller/internal/service/capture"
)

var errStreamClosed = errors.New("stream closed")

// Device is a fake microphone. Every Open returns a new stream that reads
// chunks pushed with Push.
type Device struct {
	mu      sync.Mutex
	current *Stream
	openErr error

	opens  atomic.Int32
	closes atomic.Int32
}

// NewDevice creates a fake microphone.
func NewDevice() *Device {
	return &Device{}
}

// FailOpen makes subsequent Open calls return err. nil restores normal behavior.
func (d *Device) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// Open implements capture.Opener.
func (d *Device) Open(ctx context.Context, format capture.Format) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens.Add(1)
	s := &Stream{
		device: d,
		data:   make(chan []byte, 1024),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	d.current = s
	return s, nil
}

// Push delivers a chunk to the currently open stream. Returns false if no stream is open.
func (d *Device) Push(chunk []byte) bool {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s == nil || s.isClosed() {
		return false
	}
	select {
	case s.data <- chunk:
		return true
	case <-s.closed:
		return false
	}
}

// Lose simulates the device disappearing mid-use.
func (d *Device) Lose(err error) {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.fail <- err:
	default:
	}
}

// Opens returns the number of successful opens.
func (d *Device) Opens() int { return int(d.opens.Load()) }

// Closes returns the number of stream closes.
func (d *Device) Closes() int { return int(d.closes.Load()) }

// Held reports whether a stream is open and not yet closed.
func (d *Device) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil && !d.current.isClosed()
}

// Stream is a fake open microphone handle.
type Stream struct {
	device *Device
	data   chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

// Read implements capture.Stream.
func (s *Stream) Read() ([]byte, error) {
	select {
	case b := <-s.data:
		return b, nil
	case err := <-s.fail:
		return nil, err
	case <-s.closed:
		return nil, errStreamClosed
	}
}

// Close implements capture.Stream. Every call is counted.
func (s *Stream) Close() error {
	s.device.closes.Add(1)
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
