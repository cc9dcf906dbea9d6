// Package models defines the events published for voice sessions.
package models

// Event types carried in the eventType field and Kafka header.
const (
	EventTypePhaseChanged  = "voice.session.phase_changed"
	EventTypeTurnCompleted = "voice.turn.completed"
)

// Turn outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
	OutcomeEmpty       = "empty"
)

// PhaseTransition is published on every state machine transition.
type PhaseTransition struct {
	EventType      string `json:"eventType"`
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	From           string `json:"from"`
	To             string `json:"to"`
	Reason         string `json:"reason,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// TurnCompleted is published when a recording has been processed, whether
// the reply played out, was interrupted or failed.
type TurnCompleted struct {
	EventType      string  `json:"eventType"`
	SessionID      string  `json:"sessionId"`
	ConversationID string  `json:"conversationId"`
	TurnID         string  `json:"turnId"`
	Mode           string  `json:"mode"`
	Outcome        string  `json:"outcome"`
	Transcript     string  `json:"transcript,omitempty"`
	ResponseText   string  `json:"responseText,omitempty"`
	Confidence     float64 `json:"confidence"`
	AudioBytes     int     `json:"audioBytes"`
	SpeechMs       int64   `json:"speechMs"`
	LatencyMs      int64   `json:"latencyMs"`
	Error          string  `json:"error,omitempty"`
	Timestamp      int64   `json:"timestamp"`
}
