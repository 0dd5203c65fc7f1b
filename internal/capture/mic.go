// Package capture owns the microphone input stream. It buffers incoming PCM
// frames, analyzes each one, and serves the latest analysis to the voice
// activity detector. At most one consumer holds the stream at a time.
package capture

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/audio"
)

// Stream receives microphone PCM frames and keeps the most recent band
// analysis available for sampling. Frames arrive from the session transport;
// analysis happens on the pushing goroutine so the sampling path never blocks.
type Stream struct {
	sampleRate int
	ring       *audio.FrameRing
	logger     zerolog.Logger

	mu       sync.Mutex
	held     bool
	latest   audio.BandMetrics
	hasFrame bool
	relay    *SpeechRelay
}

// NewStream creates a stream buffering up to bufferFrames recent frames.
func NewStream(sampleRate, bufferFrames int, logger zerolog.Logger) *Stream {
	if bufferFrames <= 0 {
		bufferFrames = 8
	}
	return &Stream{
		sampleRate: sampleRate,
		ring:       audio.NewFrameRing(bufferFrames),
		logger:     logger,
	}
}

// Acquire claims the microphone stream. Exactly one consumer may hold it.
func (s *Stream) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return fmt.Errorf("microphone stream already acquired")
	}
	s.held = true
	return nil
}

// Release returns the stream and drops buffered frames. Safe to call twice.
func (s *Stream) Release() {
	s.mu.Lock()
	s.held = false
	s.hasFrame = false
	s.mu.Unlock()
	s.ring.Clear()
}

// SetRelay attaches an optional live speech relay that receives every raw
// frame pushed to the stream.
func (s *Stream) SetRelay(r *SpeechRelay) {
	s.mu.Lock()
	s.relay = r
	s.mu.Unlock()
}

// Push ingests one raw PCM16 frame from the transport.
func (s *Stream) Push(frame []byte) error {
	s.mu.Lock()
	if !s.held {
		s.mu.Unlock()
		return fmt.Errorf("microphone stream not acquired")
	}
	relay := s.relay
	s.mu.Unlock()

	s.ring.Push(frame)
	metrics := audio.AnalyzeFrame(audio.DecodePCM16(frame), s.sampleRate)

	s.mu.Lock()
	s.latest = metrics
	s.hasFrame = true
	s.mu.Unlock()

	if relay != nil {
		if err := relay.SendAudio(frame); err != nil {
			s.logger.Debug().Err(err).Msg("speech relay send failed")
		}
	}
	return nil
}

// Frame returns the most recent band analysis; silence before any frame has
// arrived. Satisfies the detector's frame source.
func (s *Stream) Frame() audio.BandMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFrame {
		return audio.BandMetrics{}
	}
	return s.latest
}

// Dropped reports how many frames were discarded because the buffer was full.
func (s *Stream) Dropped() int64 { return s.ring.Dropped() }
