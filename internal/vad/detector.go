// Package vad decides whether the user is currently trying to speak over the
// assistant, filtering background noise, and emits one interruption event per
// confirmed vocal onset.
//
// Detection is two-staged: a cheap per-sample candidate filter runs on every
// tick, and a candidate only fires after a confirmation pass of consecutive
// qualifying samples. The second stage costs a few frames of latency and buys
// immunity to transient noise spikes.
package vad

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/audio"
	"github.com/halcyonvoice/voicepipe/internal/clock"
	"github.com/halcyonvoice/voicepipe/internal/lang"
	"github.com/halcyonvoice/voicepipe/internal/observability"
)

// Config holds detector tuning. Zero values are replaced by defaults.
type Config struct {
	SampleInterval     time.Duration // cadence of the sampling loop
	BufferLength       int           // rolling energy buffer length
	ConsecutiveFrames  int           // samples over threshold to become a candidate
	ConfirmSamples     int           // consecutive passing samples to confirm
	ConfirmWindow      int           // max samples the confirmation pass may take
	CalibrationSamples int           // ambient samples taken on start
	BaseThreshold      float64       // threshold the adaptive value decays toward
	MinThreshold       float64
	MaxThreshold       float64
	Cooldown           time.Duration // minimum gap between confirmed interruptions
	FastMode           bool          // skip the spectral check entirely
}

// DefaultConfig returns the standard detector tuning.
func DefaultConfig() Config {
	return Config{
		SampleInterval:     50 * time.Millisecond,
		BufferLength:       8,
		ConsecutiveFrames:  2,
		ConfirmSamples:     5,
		ConfirmWindow:      10,
		CalibrationSamples: 30,
		BaseThreshold:      0.15,
		MinThreshold:       0.08,
		MaxThreshold:       0.25,
		Cooldown:           time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.BufferLength <= 0 {
		c.BufferLength = d.BufferLength
	}
	if c.ConsecutiveFrames <= 0 {
		c.ConsecutiveFrames = d.ConsecutiveFrames
	}
	if c.ConfirmSamples <= 0 {
		c.ConfirmSamples = d.ConfirmSamples
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = d.ConfirmWindow
	}
	if c.CalibrationSamples <= 0 {
		c.CalibrationSamples = d.CalibrationSamples
	}
	if c.BaseThreshold <= 0 {
		c.BaseThreshold = d.BaseThreshold
	}
	if c.MinThreshold <= 0 {
		c.MinThreshold = d.MinThreshold
	}
	if c.MaxThreshold <= 0 {
		c.MaxThreshold = d.MaxThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
}

// Spectral gate bounds: speech-band energy share must land inside
// [spectralSpeechMin, spectralSpeechMax] with noise-band share below
// spectralNoiseMax. Frames well above threshold skip the check for latency.
const (
	spectralSpeechMin  = 0.40
	spectralSpeechMax  = 0.85
	spectralNoiseMax   = 0.30
	highEnergyFactor   = 2.0
	noiseFloorFactor   = 1.5
	thresholdStep      = 0.02  // adaptation step on feedback
	thresholdDecayRate = 0.005 // per-sample pull toward base
	confidenceBonus    = 0.1
	minNoiseFloor      = 0.02
)

// FrameSource supplies the current analysis frame. Implementations must be
// non-blocking; the sampling loop has a sub-frame budget.
type FrameSource interface {
	Frame() audio.BandMetrics
}

// FrameSourceFunc adapts a function to FrameSource.
type FrameSourceFunc func() audio.BandMetrics

func (f FrameSourceFunc) Frame() audio.BandMetrics { return f() }

// Detector is the voice activity detector. Construct with New, register
// listeners, then Run it on a sampling loop (or drive ProcessSample directly
// in tests).
type Detector struct {
	cfg     Config
	clk     clock.Clock
	source  FrameSource
	guesser LanguageGuesser
	logger  zerolog.Logger

	mu               sync.Mutex
	energies         []float64 // rolling buffer, newest last
	threshold        float64
	backgroundNoise  float64
	calibrated       bool
	calibrationSum   float64
	calibrationCount int
	confirmStreak    int
	confirmElapsed   int
	confirming       bool
	lastInterruption time.Time
	haveInterrupted  bool

	listenerMu sync.Mutex
	listeners  map[int]Listener
	nextID     int
}

// New creates a detector reading frames from source.
func New(cfg Config, clk clock.Clock, source FrameSource, guesser LanguageGuesser, logger zerolog.Logger) *Detector {
	cfg.applyDefaults()
	if guesser == nil {
		guesser = StaticGuesser{Language: lang.DefaultLanguage, Confidence: 0.5}
	}
	return &Detector{
		cfg:             cfg,
		clk:             clk,
		source:          source,
		guesser:         guesser,
		logger:          logger,
		threshold:       cfg.BaseThreshold,
		backgroundNoise: minNoiseFloor,
		listeners:       make(map[int]Listener),
	}
}

// OnInterruption registers a listener and returns an id for OffInterruption.
func (d *Detector) OnInterruption(l Listener) int {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	return id
}

// OffInterruption removes a previously registered listener.
func (d *Detector) OffInterruption(id int) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	delete(d.listeners, id)
}

// Run drives the sampling loop until ctx is cancelled. The first
// CalibrationSamples ticks calibrate against ambient energy before any
// detection happens.
func (d *Detector) Run(ctx context.Context) {
	ticker := d.clk.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ev := d.ProcessSample(d.source.Frame()); ev != nil {
				d.emit(*ev)
			}
		}
	}
}

// ProcessSample runs one detection step and returns a confirmed interruption
// event, or nil. Exposed so tests can drive samples without a clock.
func (d *Detector) ProcessSample(m audio.BandMetrics) *InterruptionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.calibrated {
		d.calibrate(m.Energy)
		return nil
	}

	d.pushEnergy(m.Energy)
	d.decayThreshold()

	if d.confirming {
		return d.stepConfirmation(m)
	}

	if d.isCandidate(m) && !d.inCooldown() {
		d.confirming = true
		d.confirmStreak = 1
		d.confirmElapsed = 1
		if d.cfg.ConfirmSamples <= 1 {
			return d.confirmLocked(m)
		}
	}
	return nil
}

func (d *Detector) calibrate(energy float64) {
	d.calibrationSum += energy
	d.calibrationCount++
	if d.calibrationCount < d.cfg.CalibrationSamples {
		return
	}
	avg := d.calibrationSum / float64(d.calibrationCount)
	d.backgroundNoise = maxFloat(minNoiseFloor, avg*1.5)
	d.threshold = clamp(maxFloat(0.15, avg*3), d.cfg.MinThreshold, d.cfg.MaxThreshold)
	d.calibrated = true
	observability.SetVADThreshold(d.threshold)
	d.logger.Info().
		Float64("background_noise", d.backgroundNoise).
		Float64("threshold", d.threshold).
		Msg("voice detector calibrated")
}

// Calibrated reports whether ambient calibration has finished.
func (d *Detector) Calibrated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibrated
}

func (d *Detector) pushEnergy(e float64) {
	if len(d.energies) == d.cfg.BufferLength {
		d.energies = d.energies[1:]
	}
	d.energies = append(d.energies, e)
}

// isCandidate is the cheap per-sample filter.
func (d *Detector) isCandidate(m audio.BandMetrics) bool {
	if m.Energy <= d.backgroundNoise*noiseFloorFactor {
		return false
	}

	if len(d.energies) < d.cfg.ConsecutiveFrames {
		return false
	}
	for _, e := range d.energies[len(d.energies)-d.cfg.ConsecutiveFrames:] {
		if e <= d.threshold {
			return false
		}
	}

	// Borderline energies must also look like speech spectrally.
	if d.cfg.FastMode || m.Energy > d.threshold*highEnergyFactor {
		return true
	}
	return m.SpeechRatio >= spectralSpeechMin &&
		m.SpeechRatio <= spectralSpeechMax &&
		m.NoiseRatio < spectralNoiseMax
}

// stepConfirmation advances the confirmation pass by one sample.
func (d *Detector) stepConfirmation(m audio.BandMetrics) *InterruptionEvent {
	d.confirmElapsed++

	if m.Energy > d.threshold {
		d.confirmStreak++
	} else {
		d.confirmStreak = 0
	}

	if d.confirmStreak >= d.cfg.ConfirmSamples {
		return d.confirmLocked(m)
	}
	if d.confirmElapsed >= d.cfg.ConfirmWindow {
		d.resetConfirmation()
	}
	return nil
}

func (d *Detector) resetConfirmation() {
	d.confirming = false
	d.confirmStreak = 0
	d.confirmElapsed = 0
}

func (d *Detector) confirmLocked(m audio.BandMetrics) *InterruptionEvent {
	d.resetConfirmation()

	now := d.clk.Now()
	if d.haveInterrupted && now.Sub(d.lastInterruption) < d.cfg.Cooldown {
		return nil
	}
	d.lastInterruption = now
	d.haveInterrupted = true

	confidence := minFloat(1, m.Energy/d.threshold/2)
	if avg := d.recentAverage(5); avg > d.threshold {
		confidence = minFloat(1, confidence+confidenceBonus)
	}

	// The flow manager counts the interruption metric; it sees manual and
	// relay interruptions too, so counting here would double-book VAD ones.
	guess := d.guesser.Guess()
	return &InterruptionEvent{
		Timestamp:          now,
		Energy:             m.Energy,
		Confidence:         confidence,
		Language:           guess.Language,
		LanguageConfidence: guess.Confidence,
		BackgroundNoise:    d.backgroundNoise,
	}
}

func (d *Detector) recentAverage(n int) float64 {
	if len(d.energies) == 0 {
		return 0
	}
	if n > len(d.energies) {
		n = len(d.energies)
	}
	sum := 0.0
	for _, e := range d.energies[len(d.energies)-n:] {
		sum += e
	}
	return sum / float64(n)
}

func (d *Detector) inCooldown() bool {
	return d.haveInterrupted && d.clk.Now().Sub(d.lastInterruption) < d.cfg.Cooldown
}

// ReportFalsePositive nudges the threshold up after an interruption the user
// says they did not make.
func (d *Detector) ReportFalsePositive() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = clamp(d.threshold+thresholdStep, d.cfg.MinThreshold, d.cfg.MaxThreshold)
	observability.SetVADThreshold(d.threshold)
}

// ReportMissedDetection nudges the threshold down after the user reports they
// were not heard.
func (d *Detector) ReportMissedDetection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = clamp(d.threshold-thresholdStep, d.cfg.MinThreshold, d.cfg.MaxThreshold)
	observability.SetVADThreshold(d.threshold)
}

// decayThreshold pulls the adaptive threshold slowly back toward base.
func (d *Detector) decayThreshold() {
	d.threshold += (d.cfg.BaseThreshold - d.threshold) * thresholdDecayRate
}

// Threshold returns the current adaptive threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// BackgroundNoise returns the calibrated noise floor.
func (d *Detector) BackgroundNoise() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backgroundNoise
}

// SetCooldown widens or narrows the minimum gap between interruptions. The
// recovery coordinator raises it when the user triggers a burst of them.
func (d *Detector) SetCooldown(cooldown time.Duration) {
	if cooldown <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Cooldown = cooldown
}

// Recalibrate discards calibration so the next samples re-measure ambient
// noise. Used by the recovery coordinator on detection failures.
func (d *Detector) Recalibrate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calibrated = false
	d.calibrationSum = 0
	d.calibrationCount = 0
	d.energies = d.energies[:0]
	d.resetConfirmation()
}

func (d *Detector) emit(ev InterruptionEvent) {
	d.listenerMu.Lock()
	listeners := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.listenerMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error().Interface("panic", r).Msg("interruption listener panicked")
				}
			}()
			l(ev)
		}()
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
