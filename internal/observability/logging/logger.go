// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // RFC3339, Unix, etc.
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	Configure(cfg, os.Stdout)
}

// Configure initializes the global zerolog logger writing to out.
func Configure(cfg Config, out io.Writer) {
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := out
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithSession returns a logger with voice session context.
func WithSession(sessionId, conversationId string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionId).
		Str("conversationId", conversationId).
		Logger()
}

// WithTurn returns a logger with turn context.
func WithTurn(sessionId, conversationId, turnId string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionId).
		Str("conversationId", conversationId).
		Str("turnId", turnId).
		Logger()
}

// WithVADClient returns a logger for a VAD channel.
func WithVADClient(clientId, url string) zerolog.Logger {
	return log.With().
		Str("component", "vad-client").
		Str("clientId", clientId).
		Str("url", url).
		Logger()
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}
