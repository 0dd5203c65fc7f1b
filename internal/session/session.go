// Package session wires one websocket connection to the full spoken-response
// pipeline: microphone frames in, synthesized speech and speaking-state
// signals out, with interruption handling and recovery in between.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/audio"
	"github.com/halcyonvoice/voicepipe/internal/capture"
	"github.com/halcyonvoice/voicepipe/internal/clock"
	"github.com/halcyonvoice/voicepipe/internal/config"
	"github.com/halcyonvoice/voicepipe/internal/flow"
	"github.com/halcyonvoice/voicepipe/internal/lang"
	"github.com/halcyonvoice/voicepipe/internal/observability"
	"github.com/halcyonvoice/voicepipe/internal/playback"
	"github.com/halcyonvoice/voicepipe/internal/recovery"
	"github.com/halcyonvoice/voicepipe/internal/synth"
	"github.com/halcyonvoice/voicepipe/internal/textseg"
	"github.com/halcyonvoice/voicepipe/internal/vad"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin validation belongs in the deployment's ingress; sessions are
		// authenticated by API key upstream.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Session holds the state of one voice connection.
type Session struct {
	conn      *websocket.Conn
	sessionID string
	cfg       *config.Config
	clk       clock.Clock
	logger    zerolog.Logger
	metrics   *observability.Metrics

	mic      *capture.Stream
	relay    *capture.SpeechRelay
	detector *vad.Detector
	coord    *synth.Coordinator
	output   *playback.TimedOutput
	queue    *playback.Queue
	signal   *playback.Signal
	flow     *flow.Manager
	recovery *recovery.Coordinator
	splitter *textseg.Splitter
	langs    *lang.Heuristic

	writeMu sync.Mutex // guards conn writes

	mu            sync.RWMutex
	active        bool
	language      string
	voiceDisabled bool
	manualMode    bool

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	cleanup sync.Once

	waitingMu    sync.Mutex
	waitingTimer chan struct{} // closing it cancels a pending waiting phrase
}

// Handler returns the websocket entry point for voice sessions.
func Handler(cfg *config.Config, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		s := New(conn, cfg, clk)
		s.Run()
	}
}

// New builds a fully wired session around an open websocket connection.
func New(conn *websocket.Conn, cfg *config.Config, clk clock.Clock) *Session {
	sessionID := observability.NewSessionID()
	logger := observability.WithSession(sessionID)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		conn:      conn,
		sessionID: sessionID,
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		metrics:   observability.NewSessionMetrics(sessionID),
		splitter:  textseg.NewSplitter(),
		langs:     lang.NewHeuristic(),
		language:  cfg.DefaultLanguage,
		active:    true,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mic = capture.NewStream(cfg.CaptureSampleRate, cfg.CaptureFrameBuffer, logger)
	if cfg.SpeechRelayEnabled {
		s.relay = capture.NewSpeechRelay(cfg, logger)
		s.mic.SetRelay(s.relay)
	}

	s.detector = vad.New(vad.Config{
		SampleInterval:    time.Duration(cfg.VADSampleIntervalMs) * time.Millisecond,
		BufferLength:      cfg.VADBufferLength,
		ConsecutiveFrames: cfg.VADConsecutiveFrames,
		ConfirmSamples:    cfg.VADConfirmSamples,
		ConfirmWindow:     cfg.VADConfirmWindow,
		BaseThreshold:     cfg.VADBaseThreshold,
		MinThreshold:      cfg.VADMinThreshold,
		MaxThreshold:      cfg.VADMaxThreshold,
		Cooldown:          time.Duration(cfg.InterruptionCooldownMs) * time.Millisecond,
		FastMode:          cfg.VADFastMode,
	}, clk, s.mic, sessionGuesser{s}, logger)

	s.signal = playback.NewSignal()
	s.output = playback.NewTimedOutput(playback.SinkFunc(s.writeAudio), clk, 40*time.Millisecond)

	mode, err := audio.ParseMode(cfg.PerformanceMode)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid performance mode, using balanced")
		mode = audio.ModeBalanced
	}
	s.queue = playback.NewQueue(s.output, clk, s.signal, playback.Config{
		Crossfade:        time.Duration(cfg.CrossfadeMs) * time.Millisecond,
		AnimationCadence: time.Duration(cfg.AnimationCadenceMs) * time.Millisecond,
		CacheSize:        cfg.BufferCacheSize,
		Mode:             mode,
	}, logger)

	synthesizer := synth.NewHTTPSynthesizer(cfg, logger)
	s.coord = synth.NewCoordinator(synthesizer, clk, cfg.MaxParallelSynthesis,
		s.onSynthesized, s.onSynthesisError, logger)

	s.flow = flow.NewManager(clk, s.coord, s.queue, flow.Config{
		PreservedCap: cfg.PreservedStateCap,
		HistoryCap:   cfg.ResponseHistory,
	}, nil, logger)

	s.recovery = recovery.NewCoordinator(clk, recovery.Hooks{
		AdaptCooldown:    s.detector.SetCooldown,
		TextFallback:     s.sendText,
		ReacquireAudio:   s.reacquireOutput,
		DisableVoice:     s.disableVoice,
		RecalibrateVAD:   s.detector.Recalibrate,
		ManualMode:       s.enterManualMode,
		ResetState:       s.resetConversation,
		ResetAnimation:   s.signal.Reset,
		DisableAnimation: s.signal.Reset,
		SetError:         s.sendError,
	}, true, logger)

	s.wireCallbacks()
	return s
}

func (s *Session) wireCallbacks() {
	s.detector.OnInterruption(s.onInterruption)

	s.signal.Subscribe(func(st playback.SignalState) {
		speaking := st.Speaking
		s.send(ServerMessage{
			Event:     "signal",
			Speaking:  &speaking,
			Amplitude: st.Amplitude,
			Viseme:    st.Viseme,
		})
	})

	s.queue.OnSegmentPlayed(func(seg playback.Segment) {
		s.flow.SegmentPlayed(seg.ResponseID, seg.SegmentIndex)
	})

	s.queue.OnQueueComplete(func() {
		record := s.flow.Current()
		if record == nil {
			return
		}
		// A drained playback queue is not the end of the response while text
		// is still streaming in or synthesis is still running.
		if s.splitter.Pending() {
			return
		}
		counts := s.coord.Counts()
		if counts.Pending > 0 || counts.InProgress > 0 {
			return
		}
		if record.CurrentSegment >= len(record.Segments) {
			s.flow.CompleteResponse(record.ID, nil)
			s.send(ServerMessage{Event: "response_complete", ResponseID: record.ID})
		}
	})

	s.flow.OnPersist(func(record *flow.ResponseRecord) {
		s.logger.Debug().
			Str("response_id", record.ID).
			Str("status", string(record.Status)).
			Msg("response archived")
	})
}

// Run processes inbound messages until the connection closes, then tears the
// session down. Blocks.
func (s *Session) Run() {
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("session started")
	defer s.Close()

	if err := s.mic.Acquire(); err != nil {
		s.recovery.Handle(err, "capture")
		return
	}
	go s.detector.Run(s.ctx)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Error().Err(err).Msg("malformed client message")
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg ClientMessage) {
	switch msg.Event {
	case "start":
		if msg.Language != "" {
			s.mu.Lock()
			s.language = msg.Language
			s.mu.Unlock()
		}
		if s.relay != nil {
			if err := s.relay.Start(); err != nil {
				s.recovery.Handle(err, "capture")
			} else {
				go s.pumpRelay()
			}
		}
		s.logger.Info().Str("language", s.currentLanguage()).Msg("session configured")

	case "audio":
		frame, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("bad audio payload")
			return
		}
		if err := s.mic.Push(frame); err != nil {
			s.recovery.Handle(err, "capture")
		}

	case "speak":
		s.cancelWaitingPhrase()
		language := s.detectLanguage(msg.Text)
		respType := flow.TypeMain
		if msg.Type != "" {
			respType = flow.ResponseType(msg.Type)
		}
		if _, err := s.flow.StartResponse(s.ctx, msg.Text, language, respType, msg.Priority); err != nil {
			s.recovery.Handle(err, "flow")
		}

	case "text_chunk":
		s.cancelWaitingPhrase()
		for _, sentence := range s.splitter.Feed(msg.Text) {
			s.speakSegment(sentence)
		}

	case "text_done":
		if rest := s.splitter.Flush(); rest != "" {
			s.speakSegment(rest)
		}

	case "expect_response":
		s.startWaitingPhrase()

	case "interrupt":
		// Manual interruption, used when detection is degraded.
		ev := vad.InterruptionEvent{
			Timestamp:  s.clk.Now(),
			Confidence: 1,
			Energy:     1,
			Language:   s.currentLanguage(),
		}
		s.onInterruption(ev)

	case "user_choice":
		if _, err := s.flow.HandleUserChoice(s.ctx, flow.UserChoice(msg.Choice), msg.StateID); err != nil {
			s.recovery.Handle(err, "flow")
		}

	case "feedback":
		switch msg.Kind {
		case "false_positive":
			s.detector.ReportFalsePositive()
		case "missed_detection":
			s.detector.ReportMissedDetection()
		}

	case "set_mode":
		mode, err := audio.ParseMode(msg.Mode)
		if err != nil {
			s.sendError("unknown performance mode")
			return
		}
		s.queue.SetMode(mode)

	case "queue_status":
		s.sendQueueStatus()

	case "stop":
		s.cancel()

	default:
		s.logger.Debug().Str("event", msg.Event).Msg("unknown client event")
	}
}

// speakSegment routes one split sentence through the current response, or
// starts a new one if none is active. Appending to the record keeps streamed
// sentences inside it, so interruption preserves them and completion
// accounting sees them.
func (s *Session) speakSegment(sentence string) {
	record := s.flow.Current()
	if record != nil && record.Status == flow.StatusActive {
		if idx, ok := s.flow.AppendSegment(record.ID, sentence); ok {
			s.coord.Queue(s.ctx, sentence, record.Language, synth.TaskMeta{
				Priority:     flow.PriorityNormal,
				ResponseID:   record.ID,
				SegmentIndex: idx,
				Streaming:    true,
			})
			return
		}
	}
	if _, err := s.flow.StartResponse(s.ctx, sentence, s.detectLanguage(sentence), flow.TypeMain, flow.PriorityNormal); err != nil {
		s.recovery.Handle(err, "flow")
	}
}

// onSynthesized hands completed synthesis audio to the playback queue. Queue
// timestamps come from task creation so playback order matches queue order no
// matter when synthesis finishes.
func (s *Session) onSynthesized(task synth.Task, pcm []byte) {
	if s.voiceOff() {
		s.sendText(task.Text)
		return
	}
	s.queue.Enqueue(playback.Segment{
		ID:            task.ID,
		PCM:           pcm,
		SampleRate:    s.cfg.SampleRate,
		Priority:      task.Meta.Priority,
		Timestamp:     task.CreatedAt,
		Streaming:     task.Meta.Streaming,
		WaitingPhrase: task.Meta.WaitingPhrase,
		ResponseID:    task.Meta.ResponseID,
		SegmentIndex:  task.Meta.SegmentIndex,
	})
}

func (s *Session) onSynthesisError(task synth.Task, err error) {
	outcome := s.recovery.Handle(err, "synthesis")
	if outcome.Action == recovery.ActionTextFallback {
		// Voice failed but the words still matter.
		s.sendText(task.Text)
	}
}

func (s *Session) onInterruption(ev vad.InterruptionEvent) {
	if s.inManualMode() && ev.Confidence < 1 {
		return
	}
	s.recovery.NoteInterruption()

	state, err := s.flow.HandleInterruption(s.ctx, ev)
	if err != nil {
		if err == flow.ErrNothingToInterrupt {
			s.logger.Debug().Msg("interruption with nothing playing")
			return
		}
		s.recovery.Handle(err, "flow")
		return
	}
	s.send(ServerMessage{
		Event:      "interruption",
		StateID:    state.ID,
		Confidence: ev.Confidence,
		Energy:     ev.Energy,
		Language:   ev.Language,
	})
}

// pumpRelay forwards relay speech cues and final transcripts. A remote
// speech-onset cue is treated as a confirmed interruption with moderate
// confidence; transcripts update the language estimate.
func (s *Session) pumpRelay() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.relay.SpeechCues():
			s.onInterruption(vad.InterruptionEvent{
				Timestamp:       s.clk.Now(),
				Confidence:      0.7,
				Energy:          s.mic.Frame().Energy,
				Language:        s.currentLanguage(),
				BackgroundNoise: s.detector.BackgroundNoise(),
			})
		case t, ok := <-s.relay.Transcripts():
			if !ok {
				return
			}
			if t.IsFinal {
				s.detectLanguage(t.Text)
				s.send(ServerMessage{Event: "transcript", Text: t.Text, Confidence: t.Confidence})
			}
		}
	}
}

// startWaitingPhrase speaks a filler if no response text arrives within the
// configured budget.
func (s *Session) startWaitingPhrase() {
	s.waitingMu.Lock()
	if s.waitingTimer != nil {
		s.waitingMu.Unlock()
		return
	}
	cancelCh := make(chan struct{})
	s.waitingTimer = cancelCh
	s.waitingMu.Unlock()

	go func() {
		select {
		case <-cancelCh:
		case <-s.ctx.Done():
		case <-s.clk.After(time.Duration(s.cfg.WaitingPhraseAfterMs) * time.Millisecond):
			s.waitingMu.Lock()
			s.waitingTimer = nil
			s.waitingMu.Unlock()
			s.flow.SpeakWaiting(s.ctx, s.currentLanguage())
		}
	}()
}

func (s *Session) cancelWaitingPhrase() {
	s.waitingMu.Lock()
	if s.waitingTimer != nil {
		close(s.waitingTimer)
		s.waitingTimer = nil
	}
	s.waitingMu.Unlock()
}

// detectLanguage updates and returns the session language estimate.
func (s *Session) detectLanguage(text string) string {
	result := s.langs.Detect(text)
	language := result.Language
	if result.Confidence < 0.3 {
		language = s.currentLanguage()
	}
	s.mu.Lock()
	s.language = language
	s.mu.Unlock()
	return language
}

func (s *Session) currentLanguage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

// sessionGuesser feeds the detector the session's running language estimate.
type sessionGuesser struct{ s *Session }

func (g sessionGuesser) Guess() lang.Result {
	return lang.Result{Language: g.s.currentLanguage(), Confidence: 0.6}
}

// Recovery hooks.

func (s *Session) reacquireOutput() error {
	s.queue.Close()
	// Probe the device, then leave it free for the queue to re-acquire on the
	// next segment.
	if err := s.output.Acquire(); err != nil {
		return err
	}
	s.output.Release()
	return nil
}

func (s *Session) disableVoice() {
	s.mu.Lock()
	s.voiceDisabled = true
	s.mu.Unlock()
	s.queue.Clear()
	s.coord.Stop()
	s.logger.Warn().Msg("voice output disabled, falling back to text")
}

func (s *Session) enterManualMode() {
	s.mu.Lock()
	s.manualMode = true
	s.mu.Unlock()
	s.logger.Warn().Msg("detection degraded, manual interrupt mode")
}

func (s *Session) resetConversation(preserveHistory bool) {
	s.coord.Stop()
	s.queue.Clear()
	if record := s.flow.Current(); record != nil {
		s.flow.CompleteResponse(record.ID, map[string]string{"reset": "true"})
	}
	if !preserveHistory {
		s.flow.ClearHistory()
	}
}

func (s *Session) voiceOff() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voiceDisabled
}

func (s *Session) inManualMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualMode
}

// Outbound writes.

func (s *Session) writeAudio(pcm []byte, sampleRate int) error {
	return s.send(ServerMessage{
		Event:      "audio",
		Payload:    base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
	})
}

func (s *Session) send(msg ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *Session) sendError(message string) {
	s.send(ServerMessage{Event: "error", Message: message})
}

func (s *Session) sendText(text string) {
	s.send(ServerMessage{Event: "text", Text: text})
}

func (s *Session) sendQueueStatus() {
	counts := s.coord.Counts()
	status := s.queue.Snapshot()
	s.send(ServerMessage{
		Event:        "queue_status",
		Queued:       status.Queued,
		Pending:      counts.Pending,
		Synthesizing: counts.InProgress,
		Failed:       counts.Failed,
		ActiveID:     status.ActiveID,
	})
}

// Close tears the session down: every owned resource is released exactly
// once, on every exit path.
func (s *Session) Close() {
	s.cleanup.Do(func() {
		s.cancel()
		s.coord.Stop()
		s.queue.Close()
		s.mic.Release()
		if s.relay != nil {
			s.relay.Close()
		}
		s.metrics.RecordSessionEnd()
		s.logger.Info().Msg("session ended")
		close(s.done)
	})
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }
