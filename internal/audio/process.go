package audio

import (
	"fmt"
	"strings"
	"time"
)

// PerformanceMode selects how much smoothing a decoded segment receives
// before playback. Fast skips processing entirely for latency; quality pads
// and fades both ends.
type PerformanceMode int

const (
	ModeFast PerformanceMode = iota
	ModeBalanced
	ModeQuality
)

func (m PerformanceMode) String() string {
	switch m {
	case ModeFast:
		return "fast"
	case ModeBalanced:
		return "balanced"
	case ModeQuality:
		return "quality"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a performance mode name, defaulting to balanced.
func ParseMode(s string) (PerformanceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return ModeFast, nil
	case "balanced", "":
		return ModeBalanced, nil
	case "quality":
		return ModeQuality, nil
	}
	return ModeBalanced, fmt.Errorf("unknown performance mode %q", s)
}

// Smoothing parameters per mode.
const (
	balancedFadeMs = 5
	balancedTailMs = 10
	qualityFadeMs  = 12
	qualityPadMs   = 25
)

// Smooth applies mode-dependent fade ramps and silence padding to a raw
// 16-bit PCM buffer so segment boundaries do not click.
func Smooth(pcm []byte, mode PerformanceMode, sampleRate int) []byte {
	if mode == ModeFast || len(pcm) < 4 || sampleRate <= 0 {
		return pcm
	}

	samples := DecodePCM16(pcm)
	switch mode {
	case ModeBalanced:
		applyFadeIn(samples, msToSamples(balancedFadeMs, sampleRate))
		applyFadeOut(samples, msToSamples(balancedFadeMs, sampleRate))
		samples = append(samples, make([]int16, msToSamples(balancedTailMs, sampleRate))...)
	case ModeQuality:
		applyFadeIn(samples, msToSamples(qualityFadeMs, sampleRate))
		applyFadeOut(samples, msToSamples(qualityFadeMs, sampleRate))
		pad := make([]int16, msToSamples(qualityPadMs, sampleRate))
		padded := make([]int16, 0, len(pad)*2+len(samples))
		padded = append(padded, pad...)
		padded = append(padded, samples...)
		padded = append(padded, pad...)
		samples = padded
	}
	return EncodePCM16(samples)
}

// Duration reports the playback length of a 16-bit mono PCM buffer.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// Crossfade overlaps the tail of a with the head of b using linear gain
// ramps, so consecutive segments transition without an audible click.
func Crossfade(a, b []byte, overlap time.Duration, sampleRate int) []byte {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}

	overlapBytes := msToSamples(int(overlap.Milliseconds()), sampleRate) * 2
	if overlapBytes <= 0 || overlapBytes > len(a) || overlapBytes > len(b) {
		out := make([]byte, len(a)+len(b))
		copy(out, a)
		copy(out[len(a):], b)
		return out
	}

	out := make([]byte, len(a)+len(b)-overlapBytes)
	copy(out, a[:len(a)-overlapBytes])

	tail := DecodePCM16(a[len(a)-overlapBytes:])
	head := DecodePCM16(b[:overlapBytes])
	mixed := make([]int16, len(tail))
	n := float64(len(tail))
	for i := range tail {
		fadeOut := (n - float64(i)) / n
		fadeIn := float64(i) / n
		mixed[i] = int16(float64(tail[i])*fadeOut + float64(head[i])*fadeIn)
	}
	copy(out[len(a)-overlapBytes:], EncodePCM16(mixed))
	copy(out[len(a):], b[overlapBytes:])
	return out
}

func applyFadeIn(samples []int16, n int) {
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		samples[i] = int16(float64(samples[i]) * float64(i) / float64(n))
	}
}

func applyFadeOut(samples []int16, n int) {
	if n > len(samples) {
		n = len(samples)
	}
	total := len(samples)
	for i := 0; i < n; i++ {
		idx := total - n + i
		samples[idx] = int16(float64(samples[idx]) * float64(n-i) / float64(n))
	}
}

func msToSamples(ms, sampleRate int) int {
	return ms * sampleRate / 1000
}
