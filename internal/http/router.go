package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-voice-session-controller/internal/observability/logging"
	"ai-voice-session-controller/internal/registry"
	"ai-voice-session-controller/internal/service/capture"
	"ai-voice-session-controller/internal/service/controller"
	"ai-voice-session-controller/internal/service/session"
)

const eventWriteTimeout = 5 * time.Second

type errorResponse struct {
	Error string `json:"error"`
}

type handlers struct {
	sessions *controller.Manager
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewRouter constructs the HTTP router for the service. ready backs the
// readiness endpoint.
func NewRouter(sessions *controller.Manager, ready func() bool) http.Handler {
	h := &handlers{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.WithComponent("http"),
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1/conversations", func(r chi.Router) {
		r.Get("/", h.list)
		r.Route("/{conversationID}/voice", func(r chi.Router) {
			r.Post("/", h.open)
			r.Get("/", h.snapshot)
			r.Delete("/", h.close)
			r.Post("/recording", h.command(func(ctx context.Context, c *controller.Controller) error {
				return c.StartRecording(ctx)
			}))
			r.Delete("/recording", h.command(func(ctx context.Context, c *controller.Controller) error {
				return c.StopRecording(ctx)
			}))
			r.Post("/interrupt", h.command(func(ctx context.Context, c *controller.Controller) error {
				return c.Interrupt(ctx)
			}))
			r.Post("/cancel", h.command(func(ctx context.Context, c *controller.Controller) error {
				return c.Cancel(ctx)
			}))
			r.Get("/events", h.events)
		})
	})

	return r
}

func (h *handlers) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"conversations": h.sessions.List()})
}

// open creates the session if needed and begins an interaction.
func (h *handlers) open(w http.ResponseWriter, r *http.Request) {
	ctrl, created, err := h.sessions.Open(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := ctrl.Begin(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeSnapshot(w, r.Context(), ctrl, status)
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.sessions.Get(chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSnapshot(w, r.Context(), ctrl, http.StatusOK)
}

func (h *handlers) close(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// command runs fn against the conversation's session and replies with the
// resulting snapshot.
func (h *handlers) command(fn func(context.Context, *controller.Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctrl, err := h.sessions.Get(chi.URLParam(r, "conversationID"))
		if err != nil {
			h.writeError(w, err)
			return
		}
		if err := fn(r.Context(), ctrl); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeSnapshot(w, r.Context(), ctrl, http.StatusOK)
	}
}

// events streams session events over a websocket until the session ends or
// the client goes away.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.sessions.Get(chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Subscribe before the upgrade completes so nothing the client triggers
	// afterwards is missed.
	ch, unsubscribe := ctrl.Events()
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := h.logger.With().Str("sessionId", ctrl.ID()).Logger()
	logger.Debug().Msg("Event stream opened")
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			payload, err := sonic.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Str("eventType", string(ev.Type)).Msg("Failed to encode event")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		}
	}
}

func (h *handlers) writeSnapshot(w http.ResponseWriter, ctx context.Context, ctrl *controller.Controller, status int) {
	snap, err := ctrl.Snapshot(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, snap)
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var permErr *capture.PermissionError
	var devErr *capture.DeviceError
	switch {
	case errors.Is(err, controller.ErrUnknownConversation):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, registry.ErrConflict),
		errors.Is(err, controller.ErrInterrupted):
		return http.StatusConflict
	case errors.Is(err, capture.ErrEmptyRecording):
		return http.StatusUnprocessableEntity
	case errors.As(err, &permErr):
		return http.StatusForbidden
	case errors.As(err, &devErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
