package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-voice-session-controller/internal/registry"
	"ai-voice-session-controller/internal/service/capture"
	"ai-voice-session-controller/internal/service/capture/capturetest"
	"ai-voice-session-controller/internal/service/controller"
	"ai-voice-session-controller/internal/service/playback"
	"ai-voice-session-controller/internal/service/session"
)

type echoProcessor struct{}

func (echoProcessor) Mode() string { return controller.ModeDictation }

func (echoProcessor) Process(ctx context.Context, turn controller.Turn, rec capture.Recording) (controller.Reply, error) {
	return controller.Reply{Transcript: "hello"}, nil
}

type snapshotBody struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	Phase          string `json:"phase"`
}

type eventBody struct {
	Type  string `json:"type"`
	Phase string `json:"phase"`
	From  string `json:"from"`
}

func setupRouter(t *testing.T, ready bool) (*httptest.Server, *controller.Manager, *capturetest.Device) {
	t.Helper()
	device := capturetest.NewDevice()
	reg := registry.New(nil)
	m := controller.NewManager(func(conversationID string) (*controller.Controller, error) {
		return controller.New(conversationID, controller.DefaultConfig(), controller.Deps{
			Opener:    device,
			Backend:   playback.Discard{Delay: time.Millisecond},
			Processor: echoProcessor{},
		}), nil
	}, reg, 0)
	srv := httptest.NewServer(NewRouter(m, func() bool { return ready }))
	t.Cleanup(func() {
		srv.Close()
		m.Shutdown(context.Background())
	})
	return srv, m, device
}

func call(t *testing.T, method, url string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func decodeSnapshot(t *testing.T, body []byte) snapshotBody {
	t.Helper()
	var snap snapshotBody
	require.NoError(t, sonic.Unmarshal(body, &snap), string(body))
	return snap
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := setupRouter(t, false)

	status, body := call(t, http.MethodGet, srv.URL+"/v1/liveness")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))

	status, _ = call(t, http.MethodGet, srv.URL+"/v1/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestSessionLifecycle(t *testing.T) {
	srv, _, _ := setupRouter(t, true)
	base := srv.URL + "/v1/conversations/conv-1/voice"

	status, body := call(t, http.MethodGet, base)
	assert.Equal(t, http.StatusNotFound, status, string(body))

	status, body = call(t, http.MethodPost, base)
	require.Equal(t, http.StatusCreated, status, string(body))
	snap := decodeSnapshot(t, body)
	assert.Equal(t, "conv-1", snap.ConversationID)
	assert.Equal(t, "listening", snap.Phase)

	status, body = call(t, http.MethodPost, base)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, snap.SessionID, decodeSnapshot(t, body).SessionID)

	status, body = call(t, http.MethodPost, base+"/recording")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "recording", decodeSnapshot(t, body).Phase)

	status, _ = call(t, http.MethodPost, base+"/recording")
	assert.Equal(t, http.StatusConflict, status)

	status, body = call(t, http.MethodDelete, base+"/recording")
	assert.Equal(t, http.StatusUnprocessableEntity, status, string(body))

	status, body = call(t, http.MethodPost, base+"/cancel")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "idle", decodeSnapshot(t, body).Phase)

	status, body = call(t, http.MethodGet, srv.URL+"/v1/conversations")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"conversations":["conv-1"]}`, string(body))

	status, _ = call(t, http.MethodDelete, base)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = call(t, http.MethodDelete, base)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestOpen_PermissionDenied(t *testing.T) {
	srv, _, device := setupRouter(t, true)
	device.FailOpen(&capture.PermissionError{Err: errors.New("denied by user")})
	base := srv.URL + "/v1/conversations/conv-1/voice"

	status, _ := call(t, http.MethodPost, base)
	require.Equal(t, http.StatusCreated, status)

	status, body := call(t, http.MethodPost, base+"/recording")
	assert.Equal(t, http.StatusForbidden, status, string(body))
}

func TestEventStream(t *testing.T) {
	srv, _, _ := setupRouter(t, true)
	base := srv.URL + "/v1/conversations/conv-1/voice"

	status, _ := call(t, http.MethodPost, base)
	require.Equal(t, http.StatusCreated, status)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	status, _ = call(t, http.MethodPost, base+"/recording")
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev eventBody
	require.NoError(t, sonic.Unmarshal(data, &ev))
	assert.Equal(t, "phase", ev.Type)
	assert.Equal(t, "listening", ev.From)
	assert.Equal(t, "recording", ev.Phase)

	status, _ = call(t, http.MethodDelete, base)
	require.Equal(t, http.StatusNoContent, status)

	// Closing the session ends the stream.
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{controller.ErrUnknownConversation, http.StatusNotFound},
		{session.ErrInvalidTransition, http.StatusConflict},
		{registry.ErrConflict, http.StatusConflict},
		{controller.ErrInterrupted, http.StatusConflict},
		{capture.ErrEmptyRecording, http.StatusUnprocessableEntity},
		{&capture.PermissionError{}, http.StatusForbidden},
		{&capture.DeviceError{Op: "open", Err: errors.New("no device")}, http.StatusServiceUnavailable},
		{controller.ErrClosed, http.StatusGone},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
