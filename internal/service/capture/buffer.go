package capture

import (
	"bytes"
	"sync"
	"time"
)

// MimePCM is the mime type of raw chunks read from the device.
const MimePCM = "audio/pcm"

// MimeWAV is the mime type of assembled recordings.
const MimeWAV = "audio/wav"

// AudioChunk is one block of PCM16 audio read from the device.
type AudioChunk struct {
	Sequence uint64
	Bytes    []byte
	MimeType string
}

// Recording is the assembled payload of a finalized buffer.
type Recording struct {
	Payload   []byte // WAV container
	MimeType  string
	PCMBytes  int
	Chunks    int
	Duration  time.Duration
	StartedAt time.Time
}

// BufferState is the lifecycle state of a RecordingBuffer.
type BufferState int

const (
	BufferOpen BufferState = iota
	BufferFinalized
)

func (s BufferState) String() string {
	if s == BufferFinalized {
		return "finalized"
	}
	return "open"
}

// RecordingBuffer is an ordered, append-only sequence of chunks.
// It is finalized exactly once.
type RecordingBuffer struct {
	mu        sync.Mutex
	format    Format
	chunks    []AudioChunk
	size      int64
	state     BufferState
	startedAt time.Time
}

// NewRecordingBuffer creates an open buffer for audio in format.
func NewRecordingBuffer(format Format) *RecordingBuffer {
	return &RecordingBuffer{
		format:    format,
		startedAt: time.Now(),
	}
}

// Append adds a chunk. Fails once the buffer is finalized.
func (b *RecordingBuffer) Append(chunk AudioChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BufferFinalized {
		return ErrBufferFinalized
	}
	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk.Bytes))
	return nil
}

// Size returns the number of PCM bytes buffered.
func (b *RecordingBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Len returns the number of chunks buffered.
func (b *RecordingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// State returns the buffer state.
func (b *RecordingBuffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Elapsed returns the audio duration buffered so far.
func (b *RecordingBuffer) Elapsed() time.Duration {
	return b.format.Duration(int(b.Size()))
}

// Finalize closes the buffer and assembles the payload.
// A zero-byte buffer is finalized but yields ErrEmptyRecording.
func (b *RecordingBuffer) Finalize() (Recording, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BufferFinalized {
		return Recording{}, ErrBufferFinalized
	}
	b.state = BufferFinalized

	if b.size == 0 {
		b.chunks = nil
		return Recording{}, ErrEmptyRecording
	}

	var out bytes.Buffer
	out.Grow(wavHeaderSize + int(b.size))
	writeWavHeader(&out, b.format, int(b.size))
	for _, c := range b.chunks {
		out.Write(c.Bytes)
	}

	rec := Recording{
		Payload:   out.Bytes(),
		MimeType:  MimeWAV,
		PCMBytes:  int(b.size),
		Chunks:    len(b.chunks),
		Duration:  b.format.Duration(int(b.size)),
		StartedAt: b.startedAt,
	}
	b.chunks = nil
	return rec, nil
}
