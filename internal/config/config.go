// Package config loads daemon settings. Defaults are overlaid by an
// optional TOML file (VOICE_CONFIG_FILE) and then by environment
// variables; a .env file in the working directory is read first.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Service       ServiceConfig       `toml:"service"`
	HTTP          HTTPConfig          `toml:"http"`
	VAD           VADConfig           `toml:"vad"`
	VoiceAPI      VoiceAPIConfig      `toml:"voice_api"`
	STT           STTConfig           `toml:"stt"`
	Capture       CaptureConfig       `toml:"capture"`
	Playback      PlaybackConfig      `toml:"playback"`
	Session       SessionConfig       `toml:"session"`
	Kafka         KafkaConfig         `toml:"kafka"`
	Redis         RedisConfig         `toml:"redis"`
	Observability ObservabilityConfig `toml:"observability"`
}

type ServiceConfig struct {
	Principal string `toml:"principal"`
	GRPCPort  string `toml:"grpc_port"`
	Env       string `toml:"env"`
}

type HTTPConfig struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// VADConfig is the controller's VAD surface plus connection tuning.
type VADConfig struct {
	URL            string        `toml:"url"`
	SampleRate     int           `toml:"sample_rate"`
	Aggressiveness int           `toml:"aggressiveness"`
	Enabled        bool          `toml:"enabled"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	MaxReconnects  int           `toml:"max_reconnects"`
}

type VoiceAPIConfig struct {
	BaseURL  string        `toml:"base_url"`
	Token    string        `toml:"token"`
	Timeout  time.Duration `toml:"timeout"`
	Language string        `toml:"language"`
	Voice    string        `toml:"voice"`
	Fast     bool          `toml:"fast"`
}

// STTConfig selects the dictation transcriber: remote, google or mock.
type STTConfig struct {
	Provider       string `toml:"provider"`
	LanguageCode   string `toml:"language_code"`
	SampleRateHz   int    `toml:"sample_rate_hz"`
	InterimResults bool   `toml:"interim_results"`
	AudioEncoding  string `toml:"audio_encoding"`
}

type CaptureConfig struct {
	Device        string        `toml:"device"` // portaudio
	SampleRate    int           `toml:"sample_rate"`
	ChunkDuration time.Duration `toml:"chunk_duration"`
	MaxAudioBytes int64         `toml:"max_audio_bytes"`
	MaxDuration   time.Duration `toml:"max_duration"`
	PreRoll       time.Duration `toml:"pre_roll"`
}

type PlaybackConfig struct {
	Backend    string `toml:"backend"` // speaker, discard
	SampleRate int    `toml:"sample_rate"`
}

type SessionConfig struct {
	ProcessingMode   string        `toml:"processing_mode"` // chat, dictation
	ChatMode         string        `toml:"chat_mode"`       // training, roleplay
	DealershipID     int           `toml:"dealership_id"`   // 0 means unset
	Continuous       bool          `toml:"continuous"`
	SpeechConfirm    time.Duration `toml:"speech_confirm"`
	SilenceThreshold time.Duration `toml:"silence_threshold"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	MaxSentenceChars int           `toml:"max_sentence_chars"`
}

type KafkaConfig struct {
	Enabled    bool     `toml:"enabled"`
	Brokers    []string `toml:"brokers"`
	TopicPhase string   `toml:"topic_phase"`
	TopicTurn  string   `toml:"topic_turn"`
	Principal  string   `toml:"principal"`
}

type RedisConfig struct {
	Enabled  bool          `toml:"enabled"`
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	TTL      time.Duration `toml:"ttl"`
	Prefix   string        `toml:"prefix"`
}

type ObservabilityConfig struct {
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	MetricsPort string `toml:"metrics_port"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal: "svc-voice-session",
			GRPCPort:  "50051",
			Env:       "prod",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		VAD: VADConfig{
			URL:            "ws://localhost:8001/ws/vad",
			SampleRate:     16000,
			Aggressiveness: 2,
			Enabled:        true,
			ConnectTimeout: 3 * time.Second,
			MaxReconnects:  3,
		},
		VoiceAPI: VoiceAPIConfig{
			BaseURL:  "http://localhost:8000/api/v1",
			Timeout:  60 * time.Second,
			Language: "en",
		},
		STT: STTConfig{
			Provider:       "remote",
			LanguageCode:   "en-US",
			SampleRateHz:   16000,
			InterimResults: true,
			AudioEncoding:  "LINEAR16",
		},
		Capture: CaptureConfig{
			Device:        "portaudio",
			SampleRate:    16000,
			ChunkDuration: 20 * time.Millisecond,
			MaxAudioBytes: 5 * 1024 * 1024,
			MaxDuration:   5 * time.Minute,
			PreRoll:       300 * time.Millisecond,
		},
		Playback: PlaybackConfig{
			Backend:    "speaker",
			SampleRate: 44100,
		},
		Session: SessionConfig{
			ProcessingMode:   "chat",
			ChatMode:         "training",
			Continuous:       true,
			SpeechConfirm:    200 * time.Millisecond,
			SilenceThreshold: 800 * time.Millisecond,
			RequestTimeout:   60 * time.Second,
			MaxSentenceChars: 240,
		},
		Kafka: KafkaConfig{
			TopicPhase: "voice.session.phase",
			TopicTurn:  "voice.turn.completed",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			TTL:    time.Minute,
			Prefix: "voice-session",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: "9090",
		},
	}
}

// Load builds the configuration. A missing .env or config file is not an
// error; an unreadable config file is logged and skipped.
func Load() *Config {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("VOICE_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Ignoring config file")
		}
	}
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	s := &cfg.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.GRPCPort = envOrDefault("GRPC_PORT", s.GRPCPort)
	s.Env = envOrDefault("ENV", s.Env)

	h := &cfg.HTTP
	h.Addr = envOrDefault("HTTP_ADDR", h.Addr)
	h.ShutdownTimeout = envOrDefaultDuration("HTTP_SHUTDOWN_TIMEOUT", h.ShutdownTimeout)

	v := &cfg.VAD
	v.URL = envOrDefault("VAD_URL", v.URL)
	v.SampleRate = envOrDefaultInt("VAD_SAMPLE_RATE", v.SampleRate)
	v.Aggressiveness = envOrDefaultInt("VAD_AGGRESSIVENESS", v.Aggressiveness)
	v.Enabled = envOrDefaultBool("VAD_ENABLED", v.Enabled)
	v.ConnectTimeout = envOrDefaultDuration("VAD_CONNECT_TIMEOUT", v.ConnectTimeout)
	v.MaxReconnects = envOrDefaultInt("VAD_MAX_RECONNECTS", v.MaxReconnects)

	a := &cfg.VoiceAPI
	a.BaseURL = envOrDefault("VOICE_API_URL", a.BaseURL)
	a.Token = envOrDefault("VOICE_API_TOKEN", a.Token)
	a.Timeout = envOrDefaultDuration("VOICE_API_TIMEOUT", a.Timeout)
	a.Language = envOrDefault("VOICE_API_LANGUAGE", a.Language)
	a.Voice = envOrDefault("VOICE_API_VOICE", a.Voice)
	a.Fast = envOrDefaultBool("VOICE_API_FAST", a.Fast)

	t := &cfg.STT
	t.Provider = envOrDefault("STT_PROVIDER", t.Provider)
	t.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", t.LanguageCode)
	t.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", t.SampleRateHz)
	t.InterimResults = envOrDefaultBool("STT_INTERIM_RESULTS", t.InterimResults)
	t.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", t.AudioEncoding)

	c := &cfg.Capture
	c.Device = envOrDefault("CAPTURE_DEVICE", c.Device)
	c.SampleRate = envOrDefaultInt("CAPTURE_SAMPLE_RATE", c.SampleRate)
	c.ChunkDuration = envOrDefaultDuration("CAPTURE_CHUNK_DURATION", c.ChunkDuration)
	c.MaxAudioBytes = envOrDefaultInt64("CAPTURE_MAX_AUDIO_BYTES", c.MaxAudioBytes)
	c.MaxDuration = envOrDefaultDuration("CAPTURE_MAX_DURATION", c.MaxDuration)
	c.PreRoll = envOrDefaultDuration("CAPTURE_PRE_ROLL", c.PreRoll)

	p := &cfg.Playback
	p.Backend = envOrDefault("PLAYBACK_BACKEND", p.Backend)
	p.SampleRate = envOrDefaultInt("PLAYBACK_SAMPLE_RATE", p.SampleRate)

	ss := &cfg.Session
	ss.ProcessingMode = envOrDefault("SESSION_PROCESSING_MODE", ss.ProcessingMode)
	ss.ChatMode = envOrDefault("SESSION_CHAT_MODE", ss.ChatMode)
	ss.DealershipID = envOrDefaultInt("SESSION_DEALERSHIP_ID", ss.DealershipID)
	ss.Continuous = envOrDefaultBool("SESSION_CONTINUOUS", ss.Continuous)
	ss.SpeechConfirm = envOrDefaultDuration("SESSION_SPEECH_CONFIRM", ss.SpeechConfirm)
	ss.SilenceThreshold = envOrDefaultDuration("SESSION_SILENCE_THRESHOLD", ss.SilenceThreshold)
	ss.RequestTimeout = envOrDefaultDuration("SESSION_REQUEST_TIMEOUT", ss.RequestTimeout)
	ss.MaxSentenceChars = envOrDefaultInt("SESSION_MAX_SENTENCE_CHARS", ss.MaxSentenceChars)

	k := &cfg.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicPhase = envOrDefault("KAFKA_TOPIC_PHASE", k.TopicPhase)
	k.TopicTurn = envOrDefault("KAFKA_TOPIC_TURN", k.TopicTurn)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = s.Principal
	}

	r := &cfg.Redis
	r.Enabled = envOrDefaultBool("REDIS_ENABLED", r.Enabled)
	r.Addr = envOrDefault("REDIS_ADDR", r.Addr)
	r.Password = envOrDefault("REDIS_PASSWORD", r.Password)
	r.DB = envOrDefaultInt("REDIS_DB", r.DB)
	r.TTL = envOrDefaultDuration("REDIS_SESSION_TTL", r.TTL)
	r.Prefix = envOrDefault("REDIS_KEY_PREFIX", r.Prefix)

	o := &cfg.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
	o.MetricsPort = envOrDefault("METRICS_PORT", o.MetricsPort)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList reads a comma separated list.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
