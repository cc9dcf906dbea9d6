package controller

import (
	"sync"
	"time"

	"ai-voice-session-controller/internal/service/interrupt"
	"ai-voice-session-controller/internal/service/playback"
	"ai-voice-session-controller/internal/service/session"
	"ai-voice-session-controller/internal/service/vad"
)

// EventType names a notification for the view layer.
type EventType string

const (
	EventPhase      EventType = "phase"
	EventSpeech     EventType = "speech"
	EventTranscript EventType = "transcript"
	EventPlayback   EventType = "playback"
	EventDegraded   EventType = "degraded"
	EventError      EventType = "error"
)

// Event is pushed to subscribers after the loop applied a change.
type Event struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"sessionId"`
	Phase     session.Phase    `json:"phase"`
	From      *session.Phase   `json:"from,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Speech    *vad.SpeechEvent `json:"speech,omitempty"`
	TurnID    string           `json:"turnId,omitempty"`
	Text      string           `json:"text,omitempty"`
	Reply     string           `json:"reply,omitempty"`
	Item      *playback.Item   `json:"item,omitempty"`
	Mode      *interrupt.Mode  `json:"mode,omitempty"`
	Error     string           `json:"error,omitempty"`
	Time      time.Time        `json:"time"`
}

// subscriberBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 64

type broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]chan Event)}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
