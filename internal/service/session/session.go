package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// VoiceSession is the per-conversation voice interaction record.
type VoiceSession struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Phase          Phase     `json:"phase"`
	StartedAt      time.Time `json:"startedAt"`
	LastSpeechAt   time.Time `json:"lastSpeechAt,omitempty"`
}

// New creates a voice session for a conversation with a fresh ID.
func New(conversationID string) VoiceSession {
	return VoiceSession{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Phase:          PhaseIdle,
		StartedAt:      time.Now().UTC(),
	}
}

// TurnIDs generates per-session turn identifiers.
type TurnIDs struct {
	counter uint64
}

func NewTurnIDs() *TurnIDs {
	return &TurnIDs{}
}

func (g *TurnIDs) Next(sessionID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-turn-%d", sessionID, n)
}
