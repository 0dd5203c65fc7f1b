package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/config"
	"github.com/halcyonvoice/voicepipe/internal/observability"
	"github.com/halcyonvoice/voicepipe/internal/resilience"
)

// HTTPSynthesizer calls an HTTP text-to-speech service that takes
// (text, language) and returns raw PCM bytes. Calls are wrapped in a retry
// with exponential backoff and a circuit breaker.
type HTTPSynthesizer struct {
	cfg        *config.Config
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

type synthesisRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	ModelID      string `json:"model_id,omitempty"`
	Language     string `json:"language,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
}

// NewHTTPSynthesizer creates a synthesizer client from config.
func NewHTTPSynthesizer(cfg *config.Config, logger zerolog.Logger) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: resilience.NewCircuitBreaker(
			"synthesis",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: logger,
	}
}

// Synthesize converts text to raw PCM audio bytes.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	start := time.Now()
	var audio []byte

	err := s.breaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       s.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(s.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}
		return resilience.Retry(func() error {
			var callErr error
			audio, callErr = s.doRequest(ctx, text, language)
			return callErr
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("synthesis", int(s.breaker.GetState()))
	observability.RecordSynthesis(time.Since(start), err == nil)

	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	return audio, nil
}

func (s *HTTPSynthesizer) doRequest(ctx context.Context, text, language string) ([]byte, error) {
	reqBody := synthesisRequest{
		Text:         text,
		VoiceID:      s.cfg.SynthesisVoiceID,
		ModelID:      s.cfg.SynthesisModelID,
		Language:     language,
		OutputFormat: "pcm",
		SampleRate:   s.cfg.SampleRate,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SynthesisURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.cfg.SynthesisAPIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.NewRetryableError(
				fmt.Errorf("synthesis service returned status %d", resp.StatusCode))
		}
		return nil, fmt.Errorf("synthesis service returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesis service returned empty audio")
	}
	return audio, nil
}
