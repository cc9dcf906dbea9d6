package capture

import (
	"context"
	"time"
)

// Format describes PCM16 little-endian audio read from the device.
type Format struct {
	SampleRate    int
	Channels      int
	ChunkDuration time.Duration // size of one device read
}

// DefaultFormat is 16 kHz mono in 20 ms reads.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, ChunkDuration: 20 * time.Millisecond}
}

func (f Format) channels() int {
	if f.Channels <= 0 {
		return 1
	}
	return f.Channels
}

// SamplesPerChunk returns the number of samples per channel in one device read.
func (f Format) SamplesPerChunk() int {
	d := f.ChunkDuration
	if d <= 0 {
		d = 20 * time.Millisecond
	}
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Duration converts a PCM byte count to audio time.
func (f Format) Duration(bytes int) time.Duration {
	bps := f.SampleRate * f.channels() * 2
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(bytes) * int64(time.Second) / int64(bps))
}

// Stream is an open microphone handle.
type Stream interface {
	// Read blocks until the next chunk is available.
	Read() ([]byte, error)
	// Close releases the device and unblocks a pending Read.
	Close() error
}

// Opener acquires the microphone.
// Implementations return *PermissionError when access is denied and
// *DeviceError when no device is available.
type Opener interface {
	Open(ctx context.Context, format Format) (Stream, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, format Format) (Stream, error)

func (f OpenerFunc) Open(ctx context.Context, format Format) (Stream, error) {
	return f(ctx, format)
}
