package voiceapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"ai-voice-session-controller/internal/observability/logging"
	"ai-voice-session-controller/internal/observability/metrics"
)

// maxResponseBody bounds a decoded reply; synthesized audio dominates.
const maxResponseBody = 32 * 1024 * 1024

// Config configures the voice endpoint client.
type Config struct {
	BaseURL  string // e.g. http://localhost:8000/api/v1
	Token    string // bearer token, optional
	Timeout  time.Duration
	Language string
	Voice    string
	Fast     bool // use /voice/chat/fast
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "http://localhost:8000/api/v1",
		Timeout:  60 * time.Second,
		Language: "en",
	}
}

// Client calls the voice endpoints.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a client.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logging.WithComponent("voiceapi"),
		metrics: metrics.DefaultMetrics,
	}
}

// Chat sends one recorded utterance and returns transcript, reply text and
// synthesized reply audio.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Mode == "" {
		req.Mode = ModeTraining
	}
	if req.MimeType == "" {
		req.MimeType = "audio/wav"
	}
	path := "/voice/chat"
	if c.cfg.Fast {
		path = "/voice/chat/fast"
	}
	var resp ChatResponse
	if err := c.do(ctx, "chat", http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TTS synthesizes text. An empty voice uses the configured default.
func (c *Client) TTS(ctx context.Context, text, voice string) (*TTSResponse, error) {
	if voice == "" {
		voice = c.cfg.Voice
	}
	var resp TTSResponse
	if err := c.do(ctx, "tts", http.MethodPost, "/voice/tts", TTSRequest{Text: text, Voice: voice}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// STT transcribes audio.
func (c *Client) STT(ctx context.Context, audio []byte, mimeType string) (*STTResponse, error) {
	req := STTRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		MimeType:    mimeType,
		Language:    c.cfg.Language,
	}
	var resp STTResponse
	if err := c.do(ctx, "stt", http.MethodPost, "/voice/stt", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteSession tears down the server-side conversation context.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (string, error) {
	var resp MessageResponse
	if err := c.do(ctx, "delete_session", http.MethodDelete, "/voice/session/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// DecodeAudio decodes a base64 audio field. Empty input yields nil.
func DecodeAudio(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordVoiceAPICall(op, err, time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		payload, mErr := sonic.Marshal(body)
		if mErr != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("encode request: %w", mErr)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.logger.Warn().Err(err).Str("op", op).Msg("Voice API request failed")
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		nErr := &NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(errorMessage(data, resp.Status))}
		c.logger.Warn().Err(nErr).Str("op", op).Msg("Voice API returned an error")
		return nErr
	}

	if out != nil && len(data) > 0 {
		if err := sonic.Unmarshal(data, out); err != nil {
			return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	c.logger.Debug().Str("op", op).Dur("latency", time.Since(start)).Msg("Voice API call completed")
	return nil
}

func errorMessage(data []byte, status string) string {
	var body errorBody
	if err := sonic.Unmarshal(data, &body); err == nil {
		if body.Error.Message != "" {
			return body.Error.Message
		}
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
	}
	return status
}
