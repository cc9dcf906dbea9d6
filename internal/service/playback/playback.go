// Package playback plays synthesized replies and lets a caller stop them
// at any time.
package playback

import (
	"errors"
	"fmt"
)

// Status is the lifecycle status of a PlaybackItem.
type Status int

const (
	StatusQueued Status = iota
	StatusPlaying
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusPlaying:
		return "playing"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Item is one reply to play.
type Item struct {
	MessageID string `json:"messageId"`
	Payload   []byte `json:"-"`
	MimeType  string `json:"mimeType"`
	Status    Status `json:"status"`
}

var (
	ErrEmptyPayload      = errors.New("empty audio payload")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// PlaybackError reports that an item could not be decoded or played.
// Playback errors are not retried.
type PlaybackError struct {
	MessageID string
	Err       error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback of %s failed: %v", e.MessageID, e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// Handle controls one started output.
type Handle interface {
	// Stop halts output. done must not be called after Stop returns.
	Stop()
}

// Backend renders audio. Play returns once output has started; done is
// called at most once when output finishes or fails.
type Backend interface {
	Play(payload []byte, mimeType string, done func(err error)) (Handle, error)
}
