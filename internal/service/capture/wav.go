package capture

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const wavHeaderSize = 44

// writeWavHeader writes a PCM16 RIFF header for dataSize bytes of audio.
func writeWavHeader(w io.Writer, f Format, dataSize int) {
	channels := f.channels()
	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(f.SampleRate*channels*2))
	binary.LittleEndian.PutUint16(header[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))
	_, _ = w.Write(header)
}

// WavInfo is the subset of a WAV header the service cares about.
type WavInfo struct {
	SampleRate int
	Channels   int
	DataSize   int
}

// ParseWavHeader reads the canonical 44-byte header of a PCM16 WAV payload.
func ParseWavHeader(payload []byte) (WavInfo, error) {
	if len(payload) < wavHeaderSize || string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		return WavInfo{}, errors.New("not a RIFF/WAVE payload")
	}
	return WavInfo{
		Channels:   int(binary.LittleEndian.Uint16(payload[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(payload[24:28])),
		DataSize:   int(binary.LittleEndian.Uint32(payload[40:44])),
	}, nil
}

// Duration returns the audio length described by the header.
func (w WavInfo) Duration() time.Duration {
	bytesPerSecond := w.SampleRate * w.Channels * 2
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(w.DataSize) * time.Second / time.Duration(bytesPerSecond)
}
