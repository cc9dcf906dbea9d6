package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-voice-session-controller/internal/config"
	"ai-voice-session-controller/internal/events"
	"ai-voice-session-controller/internal/registry"
	"ai-voice-session-controller/internal/service/capture"
	"ai-voice-session-controller/internal/service/capture/portaudio"
	"ai-voice-session-controller/internal/service/controller"
	"ai-voice-session-controller/internal/service/interrupt"
	"ai-voice-session-controller/internal/service/playback"
	"ai-voice-session-controller/internal/service/playback/speaker"
	"ai-voice-session-controller/internal/service/stt"
	"ai-voice-session-controller/internal/service/stt/google"
	"ai-voice-session-controller/internal/service/stt/mock"
	"ai-voice-session-controller/internal/service/stt/remote"
	"ai-voice-session-controller/internal/service/vad"
	"ai-voice-session-controller/internal/service/voiceapi"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Sessions  *controller.Manager
	Registry  *registry.Registry
	Publisher *events.Publisher

	voice   *voiceapi.Client
	opener  capture.Opener
	backend playback.Backend
	ready   atomic.Bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("component", "application").
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Voice session controller application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logLevel := zerolog.InfoLevel // Default
	if envLevel := os.Getenv("ZEROLOG_LOG_LEVEL"); envLevel != "" {
		if parsedLevel, err := zerolog.ParseLevel(strings.ToLower(envLevel)); err == nil {
			logLevel = parsedLevel
		}
	}

	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339

	if a.Cfg.Service.Env == "dev" {
		a.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Str("service", "ai-voice-session-controller").
			Str("component", "application").
			Logger()
	} else {
		a.Logger = zerolog.New(os.Stdout).With().
			Timestamp().
			Str("service", "ai-voice-session-controller").
			Str("component", "application").
			Logger()
	}

	a.Logger.Info().
		Str("logLevel", logLevel.String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start connects the shared collaborators and creates the session manager.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	cfg := a.Cfg

	a.Publisher = events.New(&events.Config{
		Enabled:    cfg.Kafka.Enabled,
		Brokers:    cfg.Kafka.Brokers,
		TopicPhase: cfg.Kafka.TopicPhase,
		TopicTurn:  cfg.Kafka.TopicTurn,
		Principal:  cfg.Kafka.Principal,
	})

	regOpts := []registry.Option{registry.WithTTL(cfg.Redis.TTL), registry.WithPrefix(cfg.Redis.Prefix)}
	if cfg.Redis.Enabled {
		a.Registry = registry.Connect(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, regOpts...)
	} else {
		a.Registry = registry.New(nil, regOpts...)
	}

	a.voice = voiceapi.New(voiceapi.Config{
		BaseURL:  cfg.VoiceAPI.BaseURL,
		Token:    cfg.VoiceAPI.Token,
		Timeout:  cfg.VoiceAPI.Timeout,
		Language: cfg.VoiceAPI.Language,
		Voice:    cfg.VoiceAPI.Voice,
		Fast:     cfg.VoiceAPI.Fast,
	})

	switch cfg.Capture.Device {
	case "portaudio", "":
		a.opener = portaudio.New()
	default:
		return fmt.Errorf("unknown capture device %q", cfg.Capture.Device)
	}

	switch cfg.Playback.Backend {
	case "speaker", "":
		a.backend = speaker.New(cfg.Playback.SampleRate)
	case "discard":
		a.backend = playback.Discard{Delay: 500 * time.Millisecond}
	default:
		return fmt.Errorf("unknown playback backend %q", cfg.Playback.Backend)
	}

	processorFor, err := a.processorFactory(ctx)
	if err != nil {
		return err
	}

	refresh := cfg.Redis.TTL / 3
	a.Sessions = controller.NewManager(func(conversationID string) (*controller.Controller, error) {
		return a.newSession(conversationID, processorFor())
	}, a.Registry, refresh)

	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("registry", a.Registry.Backend()).
		Str("processingMode", cfg.Session.ProcessingMode).
		Msg("Voice session controller starting")

	return nil
}

// Ready reports whether Start completed and Shutdown has not begun.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// processorFactory returns a constructor for the configured processing mode.
func (a *Application) processorFactory(ctx context.Context) (func() controller.Processor, error) {
	s := a.Cfg.Session
	switch s.ProcessingMode {
	case controller.ModeChat, "":
		var dealership *int
		if s.DealershipID != 0 {
			id := s.DealershipID
			dealership = &id
		}
		return func() controller.Processor {
			return &controller.ChatProcessor{
				API:              a.voice,
				ChatMode:         s.ChatMode,
				DealershipID:     dealership,
				Voice:            a.Cfg.VoiceAPI.Voice,
				MaxSentenceChars: s.MaxSentenceChars,
			}
		}, nil
	case controller.ModeDictation:
		t, err := a.transcriber(ctx)
		if err != nil {
			return nil, err
		}
		return func() controller.Processor {
			return &controller.DictationProcessor{Transcriber: t}
		}, nil
	default:
		return nil, fmt.Errorf("unknown processing mode %q", s.ProcessingMode)
	}
}

func (a *Application) transcriber(ctx context.Context) (stt.Transcriber, error) {
	c := a.Cfg.STT
	chunk := a.Cfg.Capture.SampleRate * 2 / 10 // 100ms of 16-bit mono
	switch c.Provider {
	case "remote", "":
		return remote.New(a.voice), nil
	case "google":
		gcfg := google.Config{
			LanguageCode:   c.LanguageCode,
			SampleRateHz:   int32(c.SampleRateHz),
			InterimResults: c.InterimResults,
			AudioEncoding:  c.AudioEncoding,
		}
		return stt.Streaming{
			New: func(ctx context.Context) (stt.Adapter, error) {
				return google.New(ctx, gcfg)
			},
			ChunkBytes: chunk,
			Timeout:    10 * time.Second,
		}, nil
	case "mock":
		return stt.Streaming{New: mock.Cycling(), ChunkBytes: chunk, Timeout: 5 * time.Second}, nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", c.Provider)
	}
}

// newSession wires one controller with its own VAD client.
func (a *Application) newSession(conversationID string, processor controller.Processor) (*controller.Controller, error) {
	cfg := a.Cfg

	vcfg := vad.DefaultConfig()
	vcfg.URL = cfg.VAD.URL
	vcfg.ClientID = uuid.NewString()
	vcfg.SampleRate = cfg.VAD.SampleRate
	vcfg.Aggressiveness = cfg.VAD.Aggressiveness
	vcfg.Enabled = cfg.VAD.Enabled
	vcfg.ConnectTimeout = cfg.VAD.ConnectTimeout
	vcfg.MaxReconnects = cfg.VAD.MaxReconnects
	if err := vcfg.Validate(); err != nil {
		return nil, fmt.Errorf("vad config: %w", err)
	}

	ccfg := controller.DefaultConfig()
	ccfg.Continuous = cfg.Session.Continuous
	ccfg.RequestTimeout = cfg.Session.RequestTimeout
	ccfg.Interrupt = interrupt.Config{
		SpeechConfirm:    cfg.Session.SpeechConfirm,
		SilenceThreshold: cfg.Session.SilenceThreshold,
	}
	ccfg.Format = capture.Format{
		SampleRate:    cfg.Capture.SampleRate,
		Channels:      1,
		ChunkDuration: cfg.Capture.ChunkDuration,
	}
	ccfg.Limits = capture.Limits{
		MaxAudioBytes: cfg.Capture.MaxAudioBytes,
		MaxDuration:   cfg.Capture.MaxDuration,
		PreRoll:       cfg.Capture.PreRoll,
	}

	return controller.New(conversationID, ccfg, controller.Deps{
		Opener:    a.opener,
		VAD:       vad.NewClient(vcfg),
		Backend:   a.backend,
		Processor: processor,
		Publisher: a.Publisher,
	}), nil
}

// Shutdown closes every session and the shared collaborators.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Voice session controller shutting down")
	a.ready.Store(false)

	if a.Sessions != nil {
		a.Sessions.Shutdown(ctx)
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to close event publisher")
		}
	}
	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to close session registry")
		}
	}
	if t, ok := a.opener.(interface{ Terminate() error }); ok {
		if err := t.Terminate(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to terminate audio input")
		}
	}
}
