// Package vad implements the voice-activity-detection channel: the client
// used by voice sessions, and the detection service it talks to.
package vad

import (
	"fmt"
	"time"
)

// FrameDuration is the audio length of one detection frame.
const FrameDuration = 20 * time.Millisecond

// FrameMs is FrameDuration in milliseconds.
const FrameMs = int64(FrameDuration / time.Millisecond)

// Message types on the VAD websocket.
const (
	TypeAudioFrame = "audio_frame"
	TypeReset      = "reset"
	TypePing       = "ping"
	TypeVADEvent   = "vad_event"
	TypeResetAck   = "reset_ack"
	TypePong       = "pong"
	TypeError      = "error"
)

// ClientMessage is sent by the client.
type ClientMessage struct {
	Type           string `json:"type"`
	Data           string `json:"data,omitempty"` // base64 PCM16 frame
	SampleRate     int    `json:"sample_rate,omitempty"`
	Aggressiveness *int   `json:"aggressiveness,omitempty"`
}

// ServerMessage is sent by the detection service.
type ServerMessage struct {
	Type          string  `json:"type"`
	IsSpeech      bool    `json:"is_speech"`
	Confidence    float64 `json:"confidence"`
	SpeechStarted bool    `json:"speech_started"`
	SpeechEnded   bool    `json:"speech_ended"`
	DurationMs    int64   `json:"duration_ms"`
	Message       string  `json:"message,omitempty"`
}

// Kind is the kind of a speech boundary.
type Kind int

const (
	SpeechStart Kind = iota
	SpeechEnd
)

func (k Kind) String() string {
	switch k {
	case SpeechStart:
		return "start"
	case SpeechEnd:
		return "end"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MarshalText renders the kind by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SpeechEvent is a speech boundary detected on the channel.
// TimestampMs is audio time since the channel was first connected.
type SpeechEvent struct {
	Kind        Kind  `json:"kind"`
	TimestampMs int64 `json:"timestampMs"`
	DurationMs  int64 `json:"durationMs"`
}

// FrameBytes returns the PCM16 byte size of one frame at sampleRate.
func FrameBytes(sampleRate int) int {
	return sampleRate * int(FrameMs) / 1000 * 2
}
