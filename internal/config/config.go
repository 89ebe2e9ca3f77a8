package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice relay service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"7860"`

	// Identity tokens are HS256 JWTs signed with the backend's secret key.
	// The token is read from the cookie first, then the "token" query parameter,
	// then an Authorization bearer header.
	AuthSecretKey  string `envconfig:"AUTH_SECRET_KEY" required:"true"`
	AuthCookieName string `envconfig:"AUTH_COOKIE_NAME" default:"access_token_lf"`

	// Realtime conversational upstream
	OpenAIAPIKey          string  `envconfig:"OPENAI_API_KEY" default:""` // fallback when the user has no stored key
	RealtimeURL           string  `envconfig:"REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	RealtimeModel         string  `envconfig:"REALTIME_MODEL" default:"gpt-4o-mini-realtime-preview"`
	RealtimeVoice         string  `envconfig:"REALTIME_VOICE" default:"echo"`
	RealtimeTemperature   float64 `envconfig:"REALTIME_TEMPERATURE" default:"0.8"`
	TranscriptionModel    string  `envconfig:"INPUT_TRANSCRIPTION_MODEL" default:"whisper-1"`
	TurnThreshold         float64 `envconfig:"TURN_THRESHOLD" default:"0.5"`
	TurnPrefixPaddingMs   int     `envconfig:"TURN_PREFIX_PADDING_MS" default:"300"`
	TurnSilenceDurationMs int     `envconfig:"TURN_SILENCE_DURATION_MS" default:"500"`

	// Text-to-speech
	TTSProvider       string `envconfig:"TTS_PROVIDER" default:"elevenlabs"` // elevenlabs, openai
	ElevenLabsAPIKey  string `envconfig:"ELEVENLABS_API_KEY" default:""`
	ElevenLabsVoiceID string `envconfig:"ELEVENLABS_VOICE_ID" default:"JBFqnCBsd6RMkjVDRZzb"`
	ElevenLabsModelID string `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_multilingual_v2"`
	ElevenLabsWSURL   string `envconfig:"ELEVENLABS_WS_URL" default:""`
	OpenAITTSModel    string `envconfig:"OPENAI_TTS_MODEL" default:"tts-1"`
	OpenAITTSVoice    string `envconfig:"OPENAI_TTS_VOICE" default:"alloy"`
	ChunkFlushTimeout int    `envconfig:"CHUNK_FLUSH_TIMEOUT_MS" default:"300"` // milliseconds

	// Barge-in and voice activity detection
	BargeInEnabled     bool    `envconfig:"BARGE_IN_ENABLED" default:"false"`
	VADEngine          string  `envconfig:"VAD_ENGINE" default:"energy"`          // energy, silero
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold
	VADSpeechThreshold float64 `envconfig:"VAD_SPEECH_THRESHOLD" default:"0.5"`   // silero probability threshold
	VADModelPath       string  `envconfig:"VAD_MODEL_PATH" default:""`
	ORTLibraryPath     string  `envconfig:"ORT_LIBRARY_PATH" default:""`
	VADHangoverFrames  int     `envconfig:"VAD_HANGOVER_FRAMES" default:"0"`

	// Flow executor gRPC endpoint
	FlowExecutorURL        string `envconfig:"FLOW_EXECUTOR_URL" default:"localhost:50051"`
	FlowExecutorTLSEnabled bool   `envconfig:"FLOW_EXECUTOR_TLS_ENABLED" default:"false"`
	FlowExecutorTimeout    int    `envconfig:"FLOW_EXECUTOR_TIMEOUT" default:"30"` // seconds

	// Optional backing stores. When DatabaseURL is empty flow metadata is
	// resolved through the flow executor; when RedisURL is empty credentials
	// come from the environment only.
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	RedisURL    string `envconfig:"REDIS_URL" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Upstream dial attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"500"`            // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: trace, debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if c.AuthSecretKey == "" {
		return fmt.Errorf("AUTH_SECRET_KEY is required")
	}
	switch c.TTSProvider {
	case "elevenlabs", "openai":
	default:
		return fmt.Errorf("TTS_PROVIDER must be elevenlabs or openai, got %q", c.TTSProvider)
	}
	switch c.VADEngine {
	case "energy", "silero":
	default:
		return fmt.Errorf("VAD_ENGINE must be energy or silero, got %q", c.VADEngine)
	}
	if c.VADHangoverFrames < 0 {
		return fmt.Errorf("VAD_HANGOVER_FRAMES must not be negative")
	}
	if c.ChunkFlushTimeout <= 0 {
		return fmt.Errorf("CHUNK_FLUSH_TIMEOUT_MS must be positive")
	}
	return nil
}

// ChunkFlushWindow is the idle window after which buffered assistant text is
// handed to TTS without waiting for a boundary.
func (c *Config) ChunkFlushWindow() time.Duration {
	return time.Duration(c.ChunkFlushTimeout) * time.Millisecond
}
