package audio

import (
	"math"
)

// Speech concentrates most of its energy between roughly 300 and 3000 Hz.
// Band edges used by the spectral voice check.
const (
	SpeechBandLowHz  = 300.0
	SpeechBandHighHz = 3000.0
	NoiseBandLowHz   = 4000.0
)

// BandMetrics summarizes one analysis frame of microphone audio.
// Energy is the normalized RMS level in [0, 1]; the ratios describe how the
// frame's spectral energy is distributed.
type BandMetrics struct {
	Energy      float64 // normalized RMS, 0..1
	SpeechRatio float64 // share of band energy inside the speech band
	NoiseRatio  float64 // share of band energy above the speech band
}

// DecodePCM16 converts little-endian 16-bit PCM bytes to samples. A trailing
// odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// EncodePCM16 converts samples back to little-endian 16-bit PCM bytes.
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// RMS computes the root mean square of the samples in raw int16 units.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizedEnergy computes RMS scaled into [0, 1] against full int16 range.
func NormalizedEnergy(samples []int16) float64 {
	e := RMS(samples) / 32768.0
	if e > 1 {
		e = 1
	}
	return e
}

// goertzel measures signal power at a single frequency. It is far cheaper
// than a full FFT for the handful of probe frequencies the voice check needs.
func goertzel(samples []int16, sampleRate int, freq float64) float64 {
	if len(samples) == 0 || sampleRate <= 0 {
		return 0
	}
	omega := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(omega)
	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = float64(x)/32768.0 + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

// Probe frequencies per band. A sparse comb is enough to tell voiced speech
// apart from broadband noise at frame granularity.
var (
	speechProbesHz = []float64{300, 600, 1000, 1500, 2200, 3000}
	noiseProbesHz  = []float64{4000, 5500, 7000}
	lowProbesHz    = []float64{60, 120, 200}
)

// AnalyzeFrame computes energy and spectral band ratios for one frame.
// Noise probes above the speech band are skipped when the sample rate cannot
// represent them.
func AnalyzeFrame(samples []int16, sampleRate int) BandMetrics {
	m := BandMetrics{Energy: NormalizedEnergy(samples)}
	if len(samples) == 0 || sampleRate <= 0 {
		return m
	}

	nyquist := float64(sampleRate) / 2
	var speech, noise, low float64
	for _, f := range speechProbesHz {
		if f < nyquist {
			speech += goertzel(samples, sampleRate, f)
		}
	}
	for _, f := range noiseProbesHz {
		if f < nyquist {
			noise += goertzel(samples, sampleRate, f)
		}
	}
	for _, f := range lowProbesHz {
		if f < nyquist {
			low += goertzel(samples, sampleRate, f)
		}
	}

	total := speech + noise + low
	if total <= 0 {
		return m
	}
	m.SpeechRatio = speech / total
	m.NoiseRatio = noise / total
	return m
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs that change
// sign. Voiced speech sits in a characteristic mid range.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	prev := samples[0] >= 0
	for _, s := range samples[1:] {
		cur := s >= 0
		if cur != prev {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(len(samples)-1)
}
