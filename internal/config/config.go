package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voicepipe service.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Synthesis service configuration
	SynthesisURL     string `envconfig:"SYNTHESIS_URL" default:"https://api.cartesia.ai/v1/tts"`
	SynthesisAPIKey  string `envconfig:"SYNTHESIS_API_KEY" required:"true"`
	SynthesisVoiceID string `envconfig:"SYNTHESIS_VOICE_ID" default:"sonic-english"`
	SynthesisModelID string `envconfig:"SYNTHESIS_MODEL_ID" default:"sonic"`
	SampleRate       int    `envconfig:"SAMPLE_RATE" default:"24000"` // synthesis output, Hz

	// Synthesis coordinator
	MaxParallelSynthesis int `envconfig:"MAX_PARALLEL_SYNTHESIS" default:"3"`
	WaitingPhraseAfterMs int `envconfig:"WAITING_PHRASE_AFTER_MS" default:"2000"` // latency budget before a waiting phrase

	// Voice activity detection
	VADSampleIntervalMs    int     `envconfig:"VAD_SAMPLE_INTERVAL_MS" default:"50"`
	VADBufferLength        int     `envconfig:"VAD_BUFFER_LENGTH" default:"8"`
	VADConsecutiveFrames   int     `envconfig:"VAD_CONSECUTIVE_FRAMES" default:"2"`
	VADConfirmSamples      int     `envconfig:"VAD_CONFIRM_SAMPLES" default:"5"`
	VADConfirmWindow       int     `envconfig:"VAD_CONFIRM_WINDOW" default:"10"`
	VADBaseThreshold       float64 `envconfig:"VAD_BASE_THRESHOLD" default:"0.15"`
	VADMinThreshold        float64 `envconfig:"VAD_MIN_THRESHOLD" default:"0.08"`
	VADMaxThreshold        float64 `envconfig:"VAD_MAX_THRESHOLD" default:"0.25"`
	VADFastMode            bool    `envconfig:"VAD_FAST_MODE" default:"false"`
	InterruptionCooldownMs int     `envconfig:"INTERRUPTION_COOLDOWN_MS" default:"1000"`

	// Microphone capture
	CaptureSampleRate  int    `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`
	CaptureFrameBuffer int    `envconfig:"CAPTURE_FRAME_BUFFER" default:"32"` // frames retained for analysis
	SpeechRelayEnabled bool   `envconfig:"SPEECH_RELAY_ENABLED" default:"false"`
	SpeechRelayAPIKey  string `envconfig:"SPEECH_RELAY_API_KEY" default:""`

	// Playback
	CrossfadeMs        int    `envconfig:"CROSSFADE_MS" default:"30"`
	PerformanceMode    string `envconfig:"PERFORMANCE_MODE" default:"balanced"` // fast, balanced, quality
	BufferCacheSize    int    `envconfig:"BUFFER_CACHE_SIZE" default:"5"`
	AnimationCadenceMs int    `envconfig:"ANIMATION_CADENCE_MS" default:"33"` // amplitude/viseme sampling

	// Conversation flow
	DefaultLanguage   string `envconfig:"DEFAULT_LANGUAGE" default:"en"`
	PreservedStateCap int    `envconfig:"PRESERVED_STATE_CAP" default:"5"`
	ResponseHistory   int    `envconfig:"RESPONSE_HISTORY" default:"10"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv reads configuration from environment variables only.
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

// Validate checks cross-field constraints that envconfig tags cannot express.
func (c *Config) Validate() error {
	if c.SynthesisAPIKey == "" {
		return fmt.Errorf("SYNTHESIS_API_KEY is required")
	}
	if c.VADMinThreshold >= c.VADMaxThreshold {
		return fmt.Errorf("VAD_MIN_THRESHOLD (%v) must be below VAD_MAX_THRESHOLD (%v)",
			c.VADMinThreshold, c.VADMaxThreshold)
	}
	if c.VADBaseThreshold < c.VADMinThreshold || c.VADBaseThreshold > c.VADMaxThreshold {
		return fmt.Errorf("VAD_BASE_THRESHOLD (%v) must lie within [%v, %v]",
			c.VADBaseThreshold, c.VADMinThreshold, c.VADMaxThreshold)
	}
	if c.MaxParallelSynthesis < 1 {
		return fmt.Errorf("MAX_PARALLEL_SYNTHESIS must be at least 1")
	}
	if c.SpeechRelayEnabled && c.SpeechRelayAPIKey == "" {
		return fmt.Errorf("SPEECH_RELAY_API_KEY is required when SPEECH_RELAY_ENABLED is set")
	}
	return nil
}
