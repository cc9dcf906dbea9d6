// Package remote transcribes recordings through the voice /voice/stt endpoint.
package remote

import (
	"context"
	"strings"

	"ai-voice-session-controller/internal/service/stt"
	"ai-voice-session-controller/internal/service/voiceapi"
)

// STTClient is the subset of voiceapi.Client used here.
type STTClient interface {
	STT(ctx context.Context, audio []byte, mimeType string) (*voiceapi.STTResponse, error)
}

// Transcriber implements stt.Transcriber with a single request.
type Transcriber struct {
	client STTClient
}

func New(client STTClient) *Transcriber {
	return &Transcriber{client: client}
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (stt.Result, error) {
	resp, err := t.client.STT(ctx, audio, mimeType)
	if err != nil {
		return stt.Result{}, err
	}
	text := strings.TrimSpace(resp.Transcript)
	if text == "" {
		return stt.Result{}, stt.ErrNoTranscript
	}
	return stt.Result{Transcript: text, Confidence: resp.Confidence}, nil
}
