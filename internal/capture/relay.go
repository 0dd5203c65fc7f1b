package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/config"
	"github.com/halcyonvoice/voicepipe/internal/observability"
	"github.com/halcyonvoice/voicepipe/internal/resilience"
)

// Transcript is one recognized utterance from the relay.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// relayCallback implements the live message callback interface, embedding the
// default handler and overriding only what the relay needs.
type relayCallback struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse) error
}

func (c *relayCallback) Message(msg *msginterfaces.MessageResponse) error {
	c.onMessage(msg)
	return nil
}

func (c *relayCallback) Error(errResp *msginterfaces.ErrorResponse) error {
	if c.onError != nil {
		return c.onError(errResp)
	}
	return c.DefaultCallbackHandler.Error(errResp)
}

// SpeechRelay streams microphone audio to a live recognition service. Its
// speech-onset events serve as an auxiliary interruption cue alongside the
// local detector, and its final transcripts carry the user's words (resume
// choices, new questions) back to the session.
type SpeechRelay struct {
	cfg         *config.Config
	logger      zerolog.Logger
	transcripts chan Transcript
	speechCues  chan struct{}
	breaker     *resilience.CircuitBreaker

	mu     sync.RWMutex
	client *listenClient.WSCallback
	active bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSpeechRelay creates an inactive relay.
func NewSpeechRelay(cfg *config.Config, logger zerolog.Logger) *SpeechRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &SpeechRelay{
		cfg:         cfg,
		logger:      logger,
		transcripts: make(chan Transcript, 100),
		speechCues:  make(chan struct{}, 8),
		breaker: resilience.NewCircuitBreaker(
			"speech_relay",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the live recognition stream.
func (r *SpeechRelay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return fmt.Errorf("speech relay is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-2",
		Language:       r.cfg.DefaultLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     r.cfg.CaptureSampleRate,
	}

	callback := &relayCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              r.handleMessage,
		onError: func(errResp *msginterfaces.ErrorResponse) error {
			r.logger.Warn().Interface("error", errResp).Msg("speech relay stream error")
			r.breaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("speech_relay", int(r.breaker.GetState()))

			select {
			case <-r.ctx.Done():
				return nil
			default:
				r.mu.Lock()
				r.active = false
				r.mu.Unlock()
				go r.reconnect()
			}
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		r.ctx,
		r.cfg.SpeechRelayAPIKey,
		nil,
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("failed to create speech relay client: %w", err)
	}

	r.client = client
	r.active = true
	r.breaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("speech_relay", int(r.breaker.GetState()))

	r.logger.Info().
		Str("language", r.cfg.DefaultLanguage).
		Int("sample_rate", r.cfg.CaptureSampleRate).
		Msg("speech relay started")
	return nil
}

func (r *SpeechRelay) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case "SpeechStarted":
		select {
		case r.speechCues <- struct{}{}:
		default:
		}

	case "UtteranceEnd":
		r.logger.Debug().Msg("speech relay: utterance ended")

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}
		t := Transcript{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
		}
		select {
		case r.transcripts <- t:
		default:
			r.logger.Warn().Msg("transcript channel full, dropping transcript")
		}

	case "Metadata":
		// Connection metadata, nothing to do.

	default:
		r.logger.Debug().Str("type", msg.Type).Msg("speech relay: unhandled message type")
	}
}

// SendAudio forwards one raw PCM frame to the recognition stream.
func (r *SpeechRelay) SendAudio(frame []byte) error {
	err := r.breaker.Call(func() error {
		r.mu.RLock()
		active := r.active
		client := r.client
		r.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("speech relay is not active")
		}
		if _, err := client.Write(frame); err != nil {
			go r.reconnect()
			return fmt.Errorf("failed to send audio to speech relay: %w", err)
		}
		return nil
	})
	observability.UpdateCircuitBreakerState("speech_relay", int(r.breaker.GetState()))
	return err
}

func (r *SpeechRelay) reconnect() {
	select {
	case <-r.ctx.Done():
		return
	default:
	}

	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()
	if active {
		return
	}

	err := resilience.Reconnect(r.ctx, r.Start, &resilience.ReconnectConfig{
		MaxAttempts: r.cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(r.cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("speech relay reconnect failed")
	}
}

// Transcripts returns the channel of recognized utterances.
func (r *SpeechRelay) Transcripts() <-chan Transcript { return r.transcripts }

// SpeechCues returns a channel pulsed when the remote recognizer reports a
// speech onset.
func (r *SpeechRelay) SpeechCues() <-chan struct{} { return r.speechCues }

// Stop finishes the live stream. Safe to call twice.
func (r *SpeechRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.client.Finish()
	r.active = false
	r.logger.Info().Msg("speech relay stopped")
}

// Close stops the relay and cancels any pending reconnects.
func (r *SpeechRelay) Close() {
	r.cancel()
	r.Stop()
}

// Active reports whether the stream is open.
func (r *SpeechRelay) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}
