// Package flow owns the current-response state machine: starting a spoken
// response, pausing it on a confirmed interruption, preserving what was not
// yet played, and resuming or discarding it on the user's choice.
package flow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/clock"
	"github.com/halcyonvoice/voicepipe/internal/observability"
	"github.com/halcyonvoice/voicepipe/internal/synth"
	"github.com/halcyonvoice/voicepipe/internal/textseg"
	"github.com/halcyonvoice/voicepipe/internal/vad"
)

// ResponseType distinguishes why a response was started.
type ResponseType string

const (
	TypeMain         ResponseType = "main_response"
	TypeWaiting      ResponseType = "waiting_phrase"
	TypeContinuation ResponseType = "continuation"
	TypeRestart      ResponseType = "restart"
)

// ResponseStatus is the lifecycle state of a response.
type ResponseStatus string

const (
	StatusActive      ResponseStatus = "active"
	StatusInterrupted ResponseStatus = "interrupted"
	StatusCompleted   ResponseStatus = "completed"
	StatusSkipped     ResponseStatus = "skipped"
)

// Playback priorities. Acknowledgments outrank everything so they are heard
// before any still-queued response audio.
const (
	PriorityNormal  = 5
	PriorityWaiting = 8
	PriorityAck     = 10
)

// ResponseRecord tracks one spoken response from start to a terminal state.
type ResponseRecord struct {
	ID             string
	Text           string
	Language       string
	Type           ResponseType
	Segments       []string
	CurrentSegment int // index of the next segment to play
	Status         ResponseStatus
	NewQuestion    bool // interrupted specifically to ask something new
	EstimatedDur   time.Duration
	StartedAt      time.Time
	FinishedAt     time.Time
	Extra          map[string]string
}

// UserChoice is the user's decision about an interrupted response.
type UserChoice string

const (
	ChoiceContinue    UserChoice = "continue"
	ChoiceRestart     UserChoice = "restart"
	ChoiceSkip        UserChoice = "skip"
	ChoiceNewQuestion UserChoice = "new_question"
)

// Synth is the synthesis entry point responses are spoken through.
type Synth interface {
	Queue(ctx context.Context, text, language string, meta synth.TaskMeta) (string, bool)
	Stop()
}

// Playback is the queue surface the manager controls on interruption.
type Playback interface {
	Clear()
}

// Config holds manager tunables.
type Config struct {
	PreservedCap int
	HistoryCap   int
}

// Manager mediates interruption, preservation, and resumption for the single
// current response.
type Manager struct {
	clk      clock.Clock
	synth    Synth
	playback Playback
	picker   *phrasePicker
	store    *preservedStore
	logger   zerolog.Logger

	historyCap int

	mu      sync.Mutex
	current *ResponseRecord
	history []*ResponseRecord

	onPersist func(*ResponseRecord)
}

// NewManager creates a flow manager. rng seeds phrase variety; pass a pinned
// source in tests.
func NewManager(clk clock.Clock, sy Synth, pb Playback, cfg Config, rng *rand.Rand, logger zerolog.Logger) *Manager {
	if cfg.PreservedCap <= 0 {
		cfg.PreservedCap = 5
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 10
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		clk:        clk,
		synth:      sy,
		playback:   pb,
		picker:     newPhrasePicker(rng),
		store:      newPreservedStore(cfg.PreservedCap),
		logger:     logger,
		historyCap: cfg.HistoryCap,
	}
}

// OnPersist registers a callback invoked with every response that reaches a
// terminal state.
func (m *Manager) OnPersist(fn func(*ResponseRecord)) {
	m.mu.Lock()
	m.onPersist = fn
	m.mu.Unlock()
}

// EstimateDuration predicts speaking time from character count, assuming
// roughly 150 words per minute at 5 characters per word, never under 1s.
func EstimateDuration(text string) time.Duration {
	words := float64(len(text)) / 5.0
	d := time.Duration(words / 150.0 * float64(time.Minute))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// StartResponse segments text, records it as the current response, and queues
// every segment for synthesis. Starting a new response while one is active
// moves the old one to history as interrupted.
func (m *Manager) StartResponse(ctx context.Context, text, language string, respType ResponseType, priority int) (*ResponseRecord, error) {
	segments := textseg.SplitSentences(text)
	if len(segments) == 0 {
		return nil, fmt.Errorf("response text is empty")
	}
	if priority <= 0 {
		priority = PriorityNormal
	}

	record := &ResponseRecord{
		ID:           uuid.New().String(),
		Text:         text,
		Language:     language,
		Type:         respType,
		Segments:     segments,
		Status:       StatusActive,
		EstimatedDur: EstimateDuration(text),
		StartedAt:    m.clk.Now(),
	}

	m.mu.Lock()
	if m.current != nil && m.current.Status == StatusActive {
		m.current.Status = StatusInterrupted
		m.archiveLocked(m.current)
	}
	m.current = record
	m.mu.Unlock()

	for i, seg := range segments {
		m.synth.Queue(ctx, seg, language, synth.TaskMeta{
			Priority:     priority,
			ResponseID:   record.ID,
			SegmentIndex: i,
			Streaming:    len(segments) > 1,
		})
	}

	m.logger.Info().
		Str("response_id", record.ID).
		Str("type", string(respType)).
		Int("segments", len(segments)).
		Dur("estimated", record.EstimatedDur).
		Msg("response started")
	return record, nil
}

// AppendSegment extends the current response with a sentence that arrived
// after it started, keeping streamed text inside the record so interruption
// preserves it and completion accounting sees it. Reports the segment's index
// and false when the response is no longer the active one.
func (m *Manager) AppendSegment(responseID, text string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ID != responseID || m.current.Status != StatusActive {
		return 0, false
	}
	m.current.Segments = append(m.current.Segments, text)
	m.current.Text += " " + text
	return len(m.current.Segments) - 1, true
}

// SegmentPlayed advances the current response's play position. Wire it to the
// playback queue's per-segment callback.
func (m *Manager) SegmentPlayed(responseID string, segmentIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ID != responseID {
		return
	}
	if segmentIndex >= m.current.CurrentSegment {
		m.current.CurrentSegment = segmentIndex + 1
	}
}

// ErrNothingToInterrupt is returned when an interruption arrives with no
// active response.
var ErrNothingToInterrupt = fmt.Errorf("no active response to interrupt")

// HandleInterruption pauses the pipeline, preserves the unplayed remainder of
// the current response, and speaks a short acknowledgment graded by the
// interruption's confidence and energy.
func (m *Manager) HandleInterruption(ctx context.Context, ev vad.InterruptionEvent) (*PreservedState, error) {
	m.mu.Lock()
	record := m.current
	if record == nil || record.Status != StatusActive {
		m.mu.Unlock()
		return nil, ErrNothingToInterrupt
	}
	record.Status = StatusInterrupted

	played := record.CurrentSegment
	if played > len(record.Segments) {
		played = len(record.Segments)
	}
	state := &PreservedState{
		ID:           uuid.New().String(),
		ResponseID:   record.ID,
		OriginalText: record.Text,
		Language:     record.Language,
		Segments:     record.Segments,
		LastPlayed:   played - 1,
		Completed:    record.Segments[:played],
		Remaining:    record.Segments[played:],
		CapturedAt:   m.clk.Now(),
		Event:        ev,
		CanContinue:  played < len(record.Segments),
	}
	m.mu.Unlock()

	// Stop scheduling new synthesis and silence the queue before speaking the
	// acknowledgment, so it is never mixed with stale response audio.
	m.synth.Stop()
	m.playback.Clear()
	m.store.put(state)
	observability.RecordInterruption()

	language := ev.Language
	if language == "" {
		language = record.Language
	}
	tier := tierFor(ev.Confidence, ev.Energy)
	ack := m.picker.acknowledgment(tier, language)
	m.synth.Queue(ctx, ack, language, synth.TaskMeta{
		Priority:   PriorityAck,
		ResponseID: record.ID,
	})

	m.logger.Info().
		Str("response_id", record.ID).
		Str("state_id", state.ID).
		Str("tier", string(tier)).
		Int("remaining", len(state.Remaining)).
		Msg("response interrupted")
	return state, nil
}

// StrategyFor selects how a preserved response should resume, from elapsed
// time since the interruption and how much was left unsaid.
func (m *Manager) StrategyFor(state *PreservedState) ResumptionStrategy {
	elapsed := m.clk.Now().Sub(state.CapturedAt)
	remaining := len(state.Remaining)
	switch {
	case elapsed < 10*time.Second && remaining <= 2:
		return StrategyDirect
	case remaining > 3:
		return StrategySummary
	case elapsed > 30*time.Second:
		return StrategyContextual
	default:
		return StrategySmooth
	}
}

// resumeText builds the spoken text for a strategy applied to a state.
func (m *Manager) resumeText(strategy ResumptionStrategy, state *PreservedState) string {
	lead := m.picker.transition(strategy, state.Language)
	var body string
	switch strategy {
	case StrategySummary:
		// Speak a representative sample: first, middle, and last remaining.
		r := state.Remaining
		picks := []string{r[0]}
		if len(r) > 2 {
			picks = append(picks, r[len(r)/2])
		}
		if len(r) > 1 {
			picks = append(picks, r[len(r)-1])
		}
		body = join(picks)
	default:
		body = join(state.Remaining)
	}
	if lead == "" {
		return body
	}
	return lead + " " + body
}

func join(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

// Resume continues a preserved response using the strategy computed for it.
// The preserved state is consumed.
func (m *Manager) Resume(ctx context.Context, stateID string) (*ResponseRecord, error) {
	return m.resumeWith(ctx, stateID, "")
}

func (m *Manager) resumeWith(ctx context.Context, stateID string, forced ResumptionStrategy) (*ResponseRecord, error) {
	state, ok := m.store.get(stateID)
	if !ok {
		return nil, fmt.Errorf("preserved state %s not found", stateID)
	}
	if !state.CanContinue || len(state.Remaining) == 0 {
		m.store.remove(stateID)
		return nil, fmt.Errorf("preserved state %s has nothing left to speak", stateID)
	}

	strategy := forced
	if strategy == "" {
		strategy = m.StrategyFor(state)
	}
	text := m.resumeText(strategy, state)
	m.store.remove(stateID)

	m.logger.Info().
		Str("state_id", stateID).
		Str("strategy", string(strategy)).
		Msg("resuming interrupted response")
	return m.StartResponse(ctx, text, state.Language, TypeContinuation, PriorityNormal)
}

// HandleUserChoice applies the user's decision about an interrupted response.
func (m *Manager) HandleUserChoice(ctx context.Context, choice UserChoice, stateID string) (*ResponseRecord, error) {
	switch choice {
	case ChoiceContinue:
		return m.resumeWith(ctx, stateID, StrategySmooth)

	case ChoiceRestart:
		state, ok := m.store.get(stateID)
		if !ok {
			return nil, fmt.Errorf("preserved state %s not found", stateID)
		}
		m.store.remove(stateID)
		return m.StartResponse(ctx, state.OriginalText, state.Language, TypeRestart, PriorityNormal)

	case ChoiceSkip:
		state, ok := m.store.get(stateID)
		if !ok {
			return nil, fmt.Errorf("preserved state %s not found", stateID)
		}
		m.store.remove(stateID)
		m.finishResponse(state.ResponseID, StatusSkipped, false)
		return nil, nil

	case ChoiceNewQuestion:
		state, ok := m.store.get(stateID)
		if !ok {
			return nil, fmt.Errorf("preserved state %s not found", stateID)
		}
		m.store.remove(stateID)
		m.finishResponse(state.ResponseID, StatusInterrupted, true)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown user choice %q", choice)
	}
}

// CompleteResponse marks a response completed and moves it to history.
func (m *Manager) CompleteResponse(id string, extra map[string]string) {
	m.mu.Lock()
	if m.current != nil && m.current.ID == id {
		m.current.Extra = extra
	}
	m.mu.Unlock()
	m.finishResponse(id, StatusCompleted, false)
}

// finishResponse applies a terminal status to the current response if it
// matches id, archives it, and clears the current pointer.
func (m *Manager) finishResponse(id string, status ResponseStatus, newQuestion bool) {
	m.mu.Lock()
	record := m.current
	if record == nil || record.ID != id {
		m.mu.Unlock()
		return
	}
	record.Status = status
	record.NewQuestion = newQuestion
	record.FinishedAt = m.clk.Now()
	m.current = nil
	m.archiveLocked(record)
	persist := m.onPersist
	m.mu.Unlock()

	if persist != nil {
		persist(record)
	}
	m.logger.Info().
		Str("response_id", id).
		Str("status", string(status)).
		Msg("response finished")
}

// archiveLocked appends to bounded history. Caller holds m.mu.
func (m *Manager) archiveLocked(record *ResponseRecord) {
	m.history = append(m.history, record)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}
}

// SpeakWaiting queues a short filler phrase while the text source is slow.
func (m *Manager) SpeakWaiting(ctx context.Context, language string) {
	phrase := m.picker.waiting(language)
	m.synth.Queue(ctx, phrase, language, synth.TaskMeta{
		Priority:      PriorityWaiting,
		WaitingPhrase: true,
	})
}

// Current returns a copy of the current response, or nil.
func (m *Manager) Current() *ResponseRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// History returns a copy of the terminal-response history, oldest first.
func (m *Manager) History() []*ResponseRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ResponseRecord, len(m.history))
	copy(out, m.history)
	return out
}

// ClearHistory drops archived responses and any preserved interrupted state.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	m.history = nil
	m.mu.Unlock()
	m.store.clear()
}

// PreservedCount reports how many interrupted responses are held.
func (m *Manager) PreservedCount() int { return m.store.len() }

// Preserved fetches a preserved state by id.
func (m *Manager) Preserved(id string) (*PreservedState, bool) { return m.store.get(id) }
