package vad

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-voice-session-controller/internal/observability/logging"
)

// MaxProcessBody bounds the audio accepted by one HTTP process call.
const MaxProcessBody = 10 * 1024 * 1024

// ServerConfig configures the detection service.
type ServerConfig struct {
	SampleRate     int // default when a frame does not carry one
	Aggressiveness int
	ReadLimit      int64
}

// DefaultServerConfig returns the service defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{SampleRate: 16000, Aggressiveness: 2, ReadLimit: 1 << 20}
}

// ProcessResponse is the body of an HTTP process call.
type ProcessResponse struct {
	Success    bool          `json:"success"`
	Results    []FrameResult `json:"results"`
	FrameCount int           `json:"frame_count"`
	Error      string        `json:"error,omitempty"`
}

// Server runs one Detector per websocket client.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Detector
}

// NewServer creates a detection server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logging.WithComponent("vad-server"),
		clients: make(map[string]*Detector),
	}
}

// ActiveClients returns the number of connected clients.
func (s *Server) ActiveClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeClient upgrades the request and serves one client until it
// disconnects. An empty clientID gets a generated one.
func (s *Server) ServeClient(w http.ResponseWriter, r *http.Request, clientID string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	if clientID == "" {
		clientID = uuid.New().String()
	}
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}

	logger := s.logger.With().Str("clientId", clientID).Logger()
	logger.Info().Msg("VAD client connected")
	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		_ = ws.Close()
		logger.Info().Msg("VAD client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("VAD client read error")
			}
			return
		}

		reply := s.handle(clientID, data)
		out, err := sonic.Marshal(reply)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to encode reply")
			continue
		}
		if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func (s *Server) handle(clientID string, data []byte) ServerMessage {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return ServerMessage{Type: TypeError, Message: "invalid message: " + err.Error()}
	}

	switch msg.Type {
	case TypeAudioFrame:
		frame, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return ServerMessage{Type: TypeError, Message: "invalid audio data"}
		}
		d, err := s.detector(clientID, msg.SampleRate, msg.Aggressiveness)
		if err != nil {
			return ServerMessage{Type: TypeError, Message: err.Error()}
		}
		res := d.ProcessFrame(frame)
		return ServerMessage{
			Type:          TypeVADEvent,
			IsSpeech:      res.IsSpeech,
			Confidence:    res.Confidence,
			SpeechStarted: res.SpeechStarted,
			SpeechEnded:   res.SpeechEnded,
			DurationMs:    res.DurationMs,
		}
	case TypeReset:
		s.mu.Lock()
		if d, ok := s.clients[clientID]; ok {
			d.Reset()
		}
		s.mu.Unlock()
		return ServerMessage{Type: TypeResetAck}
	case TypePing:
		return ServerMessage{Type: TypePong}
	default:
		return ServerMessage{Type: TypeError, Message: "unknown message type: " + msg.Type}
	}
}

// detector returns the client's detector, replacing it when the frame
// parameters change.
func (s *Server) detector(clientID string, sampleRate int, aggressiveness *int) (*Detector, error) {
	if sampleRate == 0 {
		sampleRate = s.cfg.SampleRate
	}
	aggr := s.cfg.Aggressiveness
	if aggressiveness != nil {
		aggr = *aggressiveness
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.clients[clientID]; ok && d.SampleRate() == sampleRate && d.Aggressiveness() == aggr {
		return d, nil
	}
	d, err := NewDetector(sampleRate, aggr)
	if err != nil {
		return nil, err
	}
	s.clients[clientID] = d
	return d, nil
}

// HandleProcess classifies a raw PCM16 body with a fresh detector.
// Query parameters sample_rate and aggressiveness override the defaults.
func (s *Server) HandleProcess(w http.ResponseWriter, r *http.Request) {
	sampleRate, aggr := s.cfg.SampleRate, s.cfg.Aggressiveness
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeProcess(w, http.StatusBadRequest, ProcessResponse{Error: "invalid sample_rate"})
			return
		}
		sampleRate = n
	}
	if v := r.URL.Query().Get("aggressiveness"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeProcess(w, http.StatusBadRequest, ProcessResponse{Error: "invalid aggressiveness"})
			return
		}
		aggr = n
	}

	d, err := NewDetector(sampleRate, aggr)
	if err != nil {
		writeProcess(w, http.StatusBadRequest, ProcessResponse{Error: err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxProcessBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProcess(w, http.StatusRequestEntityTooLarge, ProcessResponse{Error: "audio too large"})
			return
		}
		writeProcess(w, http.StatusBadRequest, ProcessResponse{Error: "failed to read audio"})
		return
	}

	results := d.ProcessChunk(body)
	writeProcess(w, http.StatusOK, ProcessResponse{Success: true, Results: results, FrameCount: len(results)})
}

func writeProcess(w http.ResponseWriter, status int, resp ProcessResponse) {
	out, err := sonic.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(out)
}
