// Package voiceapi is the client for the voice endpoints consumed while a
// session is processing a turn.
package voiceapi

import (
	"fmt"
)

// Chat modes.
const (
	ModeTraining = "training"
	ModeRoleplay = "roleplay"
)

// ChatRequest is the body of POST /voice/chat.
type ChatRequest struct {
	AudioBase64  string `json:"audio_base64"`
	Mode         string `json:"mode"`
	SessionID    string `json:"session_id,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	DealershipID *int   `json:"dealership_id,omitempty"`
}

// ChatResponse is the reply of POST /voice/chat.
type ChatResponse struct {
	UserTranscript      string  `json:"user_transcript"`
	ResponseText        string  `json:"response_text"`
	ResponseAudioBase64 string  `json:"response_audio_base64"`
	SessionID           string  `json:"session_id"`
	Confidence          float64 `json:"confidence"`
	Timestamp           string  `json:"timestamp"`
}

// TTSRequest is the body of POST /voice/tts.
type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice_id,omitempty"`
}

// TTSResponse is the reply of POST /voice/tts.
type TTSResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Text        string `json:"text"`
}

// STTRequest is the body of POST /voice/stt.
type STTRequest struct {
	AudioBase64 string `json:"audio_base64"`
	MimeType    string `json:"mime_type"`
	Language    string `json:"language,omitempty"`
}

// Word is a word-level timestamp.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// STTResponse is the reply of POST /voice/stt.
type STTResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words,omitempty"`
}

// MessageResponse is the reply of DELETE /voice/session/{id}.
type MessageResponse struct {
	Message string `json:"message"`
}

type errorBody struct {
	Detail any `json:"detail"`
	Error  struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NetworkError reports a failed voice endpoint call: transport failure,
// non-2xx status or an undecodable reply.
type NetworkError struct {
	Op     string // chat, tts, stt, delete_session
	Status int    // 0 when no response was received
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("voice %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("voice %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the call later might succeed.
func (e *NetworkError) Temporary() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
