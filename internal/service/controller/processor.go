package controller

import (
	"context"
	"encoding/base64"
	"fmt"

	"ai-voice-session-controller/internal/service/capture"
	"ai-voice-session-controller/internal/service/playback"
	"ai-voice-session-controller/internal/service/stt"
	"ai-voice-session-controller/internal/service/voiceapi"
)

// Processing modes.
const (
	ModeChat      = "chat"
	ModeDictation = "dictation"
)

// Turn identifies the recording being processed.
type Turn struct {
	SessionID      string
	ConversationID string
	TurnID         string
}

// Reply is the outcome of processing one recording. Audio is played in
// order; an empty Audio ends the turn without speaking.
type Reply struct {
	Transcript string
	Text       string
	Confidence float64
	Audio      []playback.Item
}

// Processor turns a finalized recording into a reply.
type Processor interface {
	Mode() string
	Process(ctx context.Context, turn Turn, rec capture.Recording) (Reply, error)
}

// SessionEnder is implemented by processors that hold remote per-session
// state to be cleared when the voice session closes.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID string) error
}

// ChatAPI is the subset of the voice endpoint client used for chat turns.
type ChatAPI interface {
	Chat(ctx context.Context, req voiceapi.ChatRequest) (*voiceapi.ChatResponse, error)
	TTS(ctx context.Context, text, voice string) (*voiceapi.TTSResponse, error)
	DeleteSession(ctx context.Context, sessionID string) (string, error)
}

// ChatProcessor sends the recording to /voice/chat. Reply text that comes
// back without audio is split into sentences and synthesized one by one.
type ChatProcessor struct {
	API          ChatAPI
	ChatMode     string // training or roleplay
	DealershipID *int
	Voice        string
	// MaxSentenceChars caps one synthesized segment. Zero disables the cap.
	MaxSentenceChars int
}

func (p *ChatProcessor) Mode() string { return ModeChat }

func (p *ChatProcessor) Process(ctx context.Context, turn Turn, rec capture.Recording) (Reply, error) {
	resp, err := p.API.Chat(ctx, voiceapi.ChatRequest{
		AudioBase64:  base64.StdEncoding.EncodeToString(rec.Payload),
		Mode:         p.ChatMode,
		SessionID:    turn.SessionID,
		MimeType:     rec.MimeType,
		DealershipID: p.DealershipID,
	})
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{
		Transcript: resp.UserTranscript,
		Text:       resp.ResponseText,
		Confidence: resp.Confidence,
	}

	if resp.ResponseAudioBase64 != "" {
		audio, err := voiceapi.DecodeAudio(resp.ResponseAudioBase64)
		if err != nil {
			return Reply{}, fmt.Errorf("decode reply audio: %w", err)
		}
		reply.Audio = []playback.Item{{
			MessageID: messageID(turn, 1),
			Payload:   audio,
			MimeType:  "audio/mpeg",
		}}
		return reply, nil
	}
	if resp.ResponseText == "" {
		return reply, nil
	}

	parts, err := voiceapi.SplitSentences(resp.ResponseText, p.MaxSentenceChars)
	if err != nil {
		return Reply{}, err
	}
	for i, text := range parts {
		tts, err := p.API.TTS(ctx, text, p.Voice)
		if err != nil {
			return Reply{}, err
		}
		audio, err := voiceapi.DecodeAudio(tts.AudioBase64)
		if err != nil {
			return Reply{}, fmt.Errorf("decode synthesized audio: %w", err)
		}
		reply.Audio = append(reply.Audio, playback.Item{
			MessageID: messageID(turn, i+1),
			Payload:   audio,
			MimeType:  "audio/mpeg",
		})
	}
	return reply, nil
}

// EndSession clears the conversation memory kept by the voice backend.
func (p *ChatProcessor) EndSession(ctx context.Context, sessionID string) error {
	_, err := p.API.DeleteSession(ctx, sessionID)
	return err
}

// DictationProcessor only transcribes; nothing is played back.
type DictationProcessor struct {
	Transcriber stt.Transcriber
}

func (p *DictationProcessor) Mode() string { return ModeDictation }

func (p *DictationProcessor) Process(ctx context.Context, turn Turn, rec capture.Recording) (Reply, error) {
	res, err := p.Transcriber.Transcribe(ctx, rec.Payload, rec.MimeType)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Transcript: res.Transcript, Confidence: res.Confidence}, nil
}

func messageID(turn Turn, n int) string {
	return fmt.Sprintf("%s-msg-%d", turn.TurnID, n)
}
