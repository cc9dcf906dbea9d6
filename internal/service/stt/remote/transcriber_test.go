package remote

import (
	"context"
	"errors"
	"testing"

	"ai-voice-session-controller/internal/service/stt"
	"ai-voice-session-controller/internal/service/voiceapi"
)

type fakeSTT struct {
	resp     *voiceapi.STTResponse
	err      error
	gotMime  string
	gotBytes int
}

func (f *fakeSTT) STT(ctx context.Context, audio []byte, mimeType string) (*voiceapi.STTResponse, error) {
	f.gotMime = mimeType
	f.gotBytes = len(audio)
	return f.resp, f.err
}

func TestTranscriber(t *testing.T) {
	netErr := &voiceapi.NetworkError{Op: "stt", Status: 502, Err: errors.New("bad gateway")}

	tests := []struct {
		name    string
		fake    *fakeSTT
		want    string
		wantErr error
	}{
		{"transcript", &fakeSTT{resp: &voiceapi.STTResponse{Transcript: "  hello there ", Confidence: 0.9}}, "hello there", nil},
		{"empty transcript", &fakeSTT{resp: &voiceapi.STTResponse{Transcript: " "}}, "", stt.ErrNoTranscript},
		{"network error", &fakeSTT{err: netErr}, "", netErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(tt.fake).Transcribe(context.Background(), []byte("wav!"), "audio/wav")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if res.Transcript != tt.want {
				t.Errorf("expected %q, got %q", tt.want, res.Transcript)
			}
			if tt.fake.gotMime != "audio/wav" || tt.fake.gotBytes != 4 {
				t.Errorf("payload not forwarded as is: %s %d", tt.fake.gotMime, tt.fake.gotBytes)
			}
		})
	}
}
