package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/halcyonvoice/voicepipe/internal/audio"
	"github.com/halcyonvoice/voicepipe/internal/clock"
)

// Sink receives gain-applied audio chunks as they are played. The session
// layer forwards them to the client.
type Sink interface {
	WriteAudio(pcm []byte, sampleRate int) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(pcm []byte, sampleRate int) error

func (f SinkFunc) WriteAudio(pcm []byte, sampleRate int) error { return f(pcm, sampleRate) }

// Voice is one playing audio source. Its gain can be ramped for crossfades
// and it can be stopped early.
type Voice interface {
	SetGain(gain float64)
	Stop()
	Done() <-chan struct{}
}

// Output is the audio output device. Exactly one consumer owns it at a time;
// Acquire and Release are scoped around a session.
type Output interface {
	Acquire() error
	Release()
	Start(pcm []byte, sampleRate int) (Voice, error)
}

// TimedOutput plays audio by pacing chunks to a Sink on the clock. Real
// playback duration is honored, so downstream amplitude sampling tracks what
// the listener hears.
type TimedOutput struct {
	sink    Sink
	clk     clock.Clock
	chunk   time.Duration // pacing interval per written chunk
	mu      sync.Mutex
	held    bool
	stopped bool
}

// NewTimedOutput creates an output writing to sink, pacing chunks at the
// given interval.
func NewTimedOutput(sink Sink, clk clock.Clock, chunk time.Duration) *TimedOutput {
	if chunk <= 0 {
		chunk = 40 * time.Millisecond
	}
	return &TimedOutput{sink: sink, clk: clk, chunk: chunk}
}

// Acquire claims the output device.
func (o *TimedOutput) Acquire() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.held {
		return fmt.Errorf("audio output already acquired")
	}
	o.held = true
	o.stopped = false
	return nil
}

// Release returns the device. Safe to call when not held.
func (o *TimedOutput) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.held = false
}

// Start begins playing a PCM buffer and returns its voice handle.
func (o *TimedOutput) Start(pcm []byte, sampleRate int) (Voice, error) {
	o.mu.Lock()
	if !o.held {
		o.mu.Unlock()
		return nil, fmt.Errorf("audio output not acquired")
	}
	o.mu.Unlock()

	v := &timedVoice{
		out:        o,
		pcm:        pcm,
		sampleRate: sampleRate,
		gain:       1.0,
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
	}
	go v.play()
	return v, nil
}

type timedVoice struct {
	out        *TimedOutput
	pcm        []byte
	sampleRate int

	mu       sync.Mutex
	gain     float64
	stopOnce sync.Once
	done     chan struct{}
	stop     chan struct{}
}

func (v *timedVoice) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	if gain > 1 {
		gain = 1
	}
	v.mu.Lock()
	v.gain = gain
	v.mu.Unlock()
}

func (v *timedVoice) Stop() {
	v.stopOnce.Do(func() { close(v.stop) })
}

func (v *timedVoice) Done() <-chan struct{} { return v.done }

func (v *timedVoice) play() {
	defer close(v.done)

	chunkBytes := int(float64(v.sampleRate)*v.out.chunk.Seconds()) * 2
	if chunkBytes < 2 {
		chunkBytes = 2
	}
	for off := 0; off < len(v.pcm); off += chunkBytes {
		select {
		case <-v.stop:
			return
		default:
		}

		end := off + chunkBytes
		if end > len(v.pcm) {
			end = len(v.pcm)
		}
		chunk := v.applyGain(v.pcm[off:end])
		if err := v.out.sink.WriteAudio(chunk, v.sampleRate); err != nil {
			return
		}

		select {
		case <-v.stop:
			return
		case <-v.out.clk.After(v.out.chunk):
		}
	}
}

func (v *timedVoice) applyGain(chunk []byte) []byte {
	v.mu.Lock()
	gain := v.gain
	v.mu.Unlock()
	if gain >= 1 {
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return out
	}
	samples := audio.DecodePCM16(chunk)
	for i := range samples {
		samples[i] = int16(float64(samples[i]) * gain)
	}
	return audio.EncodePCM16(samples)
}
