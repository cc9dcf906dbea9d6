package playback

import (
	"sync"
	"time"

	"ai-voice-session-controller/internal/service/capture"
)

// Discard is a Backend without an output device. WAV payloads complete
// after their audio duration, anything else after Delay.
type Discard struct {
	Delay time.Duration
}

func (d Discard) Play(payload []byte, mimeType string, done func(error)) (Handle, error) {
	wait := d.Delay
	if info, err := capture.ParseWavHeader(payload); err == nil {
		wait = info.Duration()
	}

	h := &timerHandle{}
	h.timer = time.AfterFunc(wait, func() {
		h.mu.Lock()
		stopped := h.stopped
		h.mu.Unlock()
		if !stopped {
			done(nil)
		}
	})
	return h, nil
}

type timerHandle struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (h *timerHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.timer.Stop()
}
