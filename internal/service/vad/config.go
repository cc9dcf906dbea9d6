package vad

import (
	"errors"
	"fmt"
	"time"
)

// Errors reported by the VAD client.
var (
	// ErrChannelUnavailable means the channel could not be established within
	// the connect bound, or reconnects were exhausted.
	ErrChannelUnavailable = errors.New("vad channel unavailable")
	ErrNotConnected       = errors.New("vad channel not connected")
	ErrDisabled           = errors.New("vad disabled")
)

// ValidationError reports an invalid detector or client parameter.
type ValidationError struct {
	Field string
	Value any
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Msg)
}

// SupportedSampleRates are the rates the detector accepts.
var SupportedSampleRates = []int{8000, 16000, 32000}

// ValidateParams checks sample rate and aggressiveness.
func ValidateParams(sampleRate, aggressiveness int) error {
	ok := false
	for _, r := range SupportedSampleRates {
		if r == sampleRate {
			ok = true
			break
		}
	}
	if !ok {
		return &ValidationError{Field: "sample_rate", Value: sampleRate, Msg: "must be 8000, 16000, or 32000"}
	}
	if aggressiveness < 0 || aggressiveness > 3 {
		return &ValidationError{Field: "aggressiveness", Value: aggressiveness, Msg: "must be 0-3"}
	}
	return nil
}

// Config configures a Client.
type Config struct {
	URL            string // ws://host/ws/vad ; the client ID is appended
	ClientID       string
	SampleRate     int
	Aggressiveness int // forwarded to the service, not interpreted
	Enabled        bool

	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
	SendQueue        int
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8001/ws/vad",
		SampleRate:       16000,
		Aggressiveness:   2,
		Enabled:          true,
		ConnectTimeout:   3 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		MaxReconnects:    3,
		ReconnectBackoff: 200 * time.Millisecond,
		SendQueue:        256,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.URL == "" {
		return &ValidationError{Field: "url", Value: c.URL, Msg: "required"}
	}
	if err := ValidateParams(c.SampleRate, c.Aggressiveness); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 {
		return &ValidationError{Field: "connect_timeout", Value: c.ConnectTimeout, Msg: "must be positive"}
	}
	return nil
}
