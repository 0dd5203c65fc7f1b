package config

import (
	"os"
	"testing"
)

func setRequired(t *testing.T) {
	t.Helper()
	os.Setenv("SYNTHESIS_API_KEY", "test-synthesis-key")
	t.Cleanup(func() { os.Unsetenv("SYNTHESIS_API_KEY") })
}

func TestLoadFromEnv(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.SynthesisAPIKey != "test-synthesis-key" {
		t.Errorf("Expected SynthesisAPIKey 'test-synthesis-key', got '%s'", cfg.SynthesisAPIKey)
	}
}

func TestLoadFromEnv_MissingRequired(t *testing.T) {
	os.Unsetenv("SYNTHESIS_API_KEY")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when SYNTHESIS_API_KEY is missing")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.SynthesisVoiceID != "sonic-english" {
		t.Errorf("Expected default SynthesisVoiceID 'sonic-english', got '%s'", cfg.SynthesisVoiceID)
	}
	if cfg.SampleRate != 24000 {
		t.Errorf("Expected default SampleRate 24000, got %d", cfg.SampleRate)
	}
	if cfg.MaxParallelSynthesis != 3 {
		t.Errorf("Expected default MaxParallelSynthesis 3, got %d", cfg.MaxParallelSynthesis)
	}
	if cfg.VADConfirmSamples != 5 {
		t.Errorf("Expected default VADConfirmSamples 5, got %d", cfg.VADConfirmSamples)
	}
	if cfg.VADBaseThreshold != 0.15 {
		t.Errorf("Expected default VADBaseThreshold 0.15, got %f", cfg.VADBaseThreshold)
	}
	if cfg.InterruptionCooldownMs != 1000 {
		t.Errorf("Expected default InterruptionCooldownMs 1000, got %d", cfg.InterruptionCooldownMs)
	}
	if cfg.CaptureSampleRate != 16000 {
		t.Errorf("Expected default CaptureSampleRate 16000, got %d", cfg.CaptureSampleRate)
	}
	if cfg.PerformanceMode != "balanced" {
		t.Errorf("Expected default PerformanceMode 'balanced', got '%s'", cfg.PerformanceMode)
	}
	if cfg.DefaultLanguage != "en" {
		t.Errorf("Expected default DefaultLanguage 'en', got '%s'", cfg.DefaultLanguage)
	}
	if cfg.PreservedStateCap != 5 {
		t.Errorf("Expected default PreservedStateCap 5, got %d", cfg.PreservedStateCap)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	os.Setenv("VAD_FAST_MODE", "true")
	os.Setenv("MAX_PARALLEL_SYNTHESIS", "5")
	os.Setenv("PERFORMANCE_MODE", "quality")
	defer os.Unsetenv("VAD_FAST_MODE")
	defer os.Unsetenv("MAX_PARALLEL_SYNTHESIS")
	defer os.Unsetenv("PERFORMANCE_MODE")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if !cfg.VADFastMode {
		t.Error("Expected VADFastMode true")
	}
	if cfg.MaxParallelSynthesis != 5 {
		t.Errorf("Expected MaxParallelSynthesis 5, got %d", cfg.MaxParallelSynthesis)
	}
	if cfg.PerformanceMode != "quality" {
		t.Errorf("Expected PerformanceMode 'quality', got '%s'", cfg.PerformanceMode)
	}
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	cfg.VADMinThreshold = 0.3
	cfg.VADMaxThreshold = 0.2
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when min threshold exceeds max")
	}

	cfg.VADMinThreshold = 0.08
	cfg.VADMaxThreshold = 0.25
	cfg.VADBaseThreshold = 0.5
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when base threshold lies outside bounds")
	}
}

func TestValidate_ParallelSynthesis(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	cfg.MaxParallelSynthesis = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero parallel synthesis")
	}
}

func TestValidate_SpeechRelayKey(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	cfg.SpeechRelayEnabled = true
	cfg.SpeechRelayAPIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when relay is enabled without an API key")
	}
}
