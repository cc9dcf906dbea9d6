// Command vadserver serves speech boundary detection over websockets for
// voice sessions, plus a one-shot HTTP classification endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ai-voice-session-controller/internal/observability/logging"
	"ai-voice-session-controller/internal/service/vad"
)

func main() {
	_ = godotenv.Load()

	def := vad.DefaultServerConfig()
	addr := flag.String("addr", ":8001", "listen address")
	sampleRate := flag.Int("sample-rate", def.SampleRate, "default sample rate (8000, 16000 or 32000)")
	aggressiveness := flag.Int("aggressiveness", def.Aggressiveness, "default aggressiveness (0-3)")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	lcfg := logging.DefaultConfig()
	lcfg.Level = *logLevel
	if os.Getenv("ENV") == "dev" {
		lcfg.Format = "console"
	}
	logging.Init(lcfg)

	if err := vad.ValidateParams(*sampleRate, *aggressiveness); err != nil {
		log.Fatal().Err(err).Msg("Invalid detector defaults")
	}
	def.SampleRate = *sampleRate
	def.Aggressiveness = *aggressiveness
	srv := vad.NewServer(def)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws/vad", func(w http.ResponseWriter, r *http.Request) {
		srv.ServeClient(w, r, "")
	})
	r.Get("/ws/vad/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		srv.ServeClient(w, r, chi.URLParam(r, "clientID"))
	})
	r.Post("/v1/vad/process", srv.HandleProcess)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().
			Str("addr", *addr).
			Int("sampleRate", def.SampleRate).
			Int("aggressiveness", def.Aggressiveness).
			Msg("VAD server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("VAD server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Int("activeClients", srv.ActiveClients()).Msg("Shutting down VAD server")
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("VAD server shutdown incomplete")
	}
}
