package flow

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/clock"
	"github.com/halcyonvoice/voicepipe/internal/synth"
	"github.com/halcyonvoice/voicepipe/internal/vad"
)

type queuedCall struct {
	text     string
	language string
	meta     synth.TaskMeta
}

// fakeSynth records queue and stop calls, sharing an ordered log with the
// playback fake so interruption sequencing can be asserted.
type fakeSynth struct {
	mu    sync.Mutex
	calls []queuedCall
	stops int
	log   *[]string
}

func (f *fakeSynth) Queue(ctx context.Context, text, language string, meta synth.TaskMeta) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, queuedCall{text, language, meta})
	if f.log != nil {
		*f.log = append(*f.log, "queue")
	}
	return "task", true
}

func (f *fakeSynth) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.log != nil {
		*f.log = append(*f.log, "stop")
	}
}

func (f *fakeSynth) queued() []queuedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queuedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSynth) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type fakePlayback struct {
	mu     sync.Mutex
	clears int
	log    *[]string
}

func (f *fakePlayback) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	if f.log != nil {
		*f.log = append(*f.log, "clear")
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeSynth, *fakePlayback, *clock.Fake) {
	t.Helper()
	sy := &fakeSynth{}
	pb := &fakePlayback{}
	clk := clock.NewFake()
	m := NewManager(clk, sy, pb, Config{}, rand.New(rand.NewSource(1)), zerolog.Nop())
	return m, sy, pb, clk
}

func containsPhrase(variants []string, s string) bool {
	for _, v := range variants {
		if v == s {
			return true
		}
	}
	return false
}

func TestManager_StartResponseQueuesSegments(t *testing.T) {
	m, sy, _, _ := newTestManager(t)

	record, err := m.StartResponse(context.Background(), "Hello there. How are you today?", "en", TypeMain, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(record.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %v", record.Segments)
	}
	if record.Status != StatusActive || record.Type != TypeMain {
		t.Errorf("unexpected record state: %+v", record)
	}

	calls := sy.queued()
	if len(calls) != 2 {
		t.Fatalf("expected 2 synthesis calls, got %d", len(calls))
	}
	for i, c := range calls {
		if c.meta.SegmentIndex != i || c.meta.ResponseID != record.ID {
			t.Errorf("call %d has wrong meta: %+v", i, c.meta)
		}
		if !c.meta.Streaming {
			t.Errorf("multi-segment response must mark segments streaming")
		}
		if c.meta.Priority != PriorityNormal {
			t.Errorf("expected default priority %d, got %d", PriorityNormal, c.meta.Priority)
		}
	}

	cur := m.Current()
	if cur == nil || cur.ID != record.ID {
		t.Error("expected record to be current")
	}
}

func TestManager_SingleSentenceIsNotStreaming(t *testing.T) {
	m, sy, _, _ := newTestManager(t)

	if _, err := m.StartResponse(context.Background(), "Just one sentence.", "en", TypeMain, 0); err != nil {
		t.Fatal(err)
	}
	calls := sy.queued()
	if len(calls) != 1 || calls[0].meta.Streaming {
		t.Errorf("expected one non-streaming call, got %+v", calls)
	}
}

func TestManager_StartResponseRejectsEmptyText(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if _, err := m.StartResponse(context.Background(), "   ", "en", TypeMain, 0); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestManager_AppendSegmentJoinsActiveResponse(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	record, _ := m.StartResponse(ctx, "Hello there.", "en", TypeMain, 0)
	idx, ok := m.AppendSegment(record.ID, "How are you today?")
	if !ok || idx != 1 {
		t.Fatalf("expected appended segment at index 1, got %d/%v", idx, ok)
	}
	cur := m.Current()
	if len(cur.Segments) != 2 || cur.Segments[1] != "How are you today?" {
		t.Errorf("expected segment recorded, got %v", cur.Segments)
	}

	if _, ok := m.AppendSegment("someone-else", "Nope."); ok {
		t.Error("expected append to a different response rejected")
	}
	m.CompleteResponse(record.ID, nil)
	if _, ok := m.AppendSegment(record.ID, "Too late."); ok {
		t.Error("expected append after completion rejected")
	}
}

func TestManager_InterruptionPreservesAppendedSegments(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	// One sentence spoken, a second arrives streamed, then the user cuts in.
	record, _ := m.StartResponse(ctx, "Hello there.", "en", TypeMain, 0)
	m.SegmentPlayed(record.ID, 0)
	if _, ok := m.AppendSegment(record.ID, "How are you today?"); !ok {
		t.Fatal("append failed")
	}

	state, err := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Remaining) != 1 || state.Remaining[0] != "How are you today?" {
		t.Errorf("expected streamed segment preserved, got %v", state.Remaining)
	}
	if !state.CanContinue {
		t.Error("expected resumable state with a streamed segment outstanding")
	}
}

func TestManager_InterruptionPreservesRemainder(t *testing.T) {
	m, sy, pb, _ := newTestManager(t)
	ctx := context.Background()

	record, _ := m.StartResponse(ctx, "Hello there. How are you today?", "en", TypeMain, 0)
	m.SegmentPlayed(record.ID, 0)
	sy.reset()

	state, err := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5, Language: "en"})
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Completed) != 1 || state.Completed[0] != "Hello there." {
		t.Errorf("expected first segment completed, got %v", state.Completed)
	}
	if len(state.Remaining) != 1 || state.Remaining[0] != "How are you today?" {
		t.Errorf("expected second segment remaining, got %v", state.Remaining)
	}
	if !state.CanContinue {
		t.Error("expected resumable state")
	}
	if m.PreservedCount() != 1 {
		t.Errorf("expected 1 preserved state, got %d", m.PreservedCount())
	}

	if sy.stops != 1 {
		t.Errorf("expected synthesis stopped once, got %d", sy.stops)
	}
	if pb.clears != 1 {
		t.Errorf("expected playback cleared once, got %d", pb.clears)
	}

	calls := sy.queued()
	if len(calls) != 1 {
		t.Fatalf("expected one acknowledgment queued, got %d", len(calls))
	}
	if calls[0].meta.Priority != PriorityAck {
		t.Errorf("expected ack priority %d, got %d", PriorityAck, calls[0].meta.Priority)
	}
	if !containsPhrase(ackPhrases[TierImmediate]["en"], calls[0].text) {
		t.Errorf("expected an immediate-tier acknowledgment, got %q", calls[0].text)
	}
}

func TestManager_InterruptionSilencesBeforeAcknowledging(t *testing.T) {
	var log []string
	sy := &fakeSynth{log: &log}
	pb := &fakePlayback{log: &log}
	m := NewManager(clock.NewFake(), sy, pb, Config{}, rand.New(rand.NewSource(1)), zerolog.Nop())
	ctx := context.Background()

	m.StartResponse(ctx, "One sentence here.", "en", TypeMain, 0)
	log = nil
	if _, err := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5}); err != nil {
		t.Fatal(err)
	}

	want := []string{"stop", "clear", "queue"}
	if len(log) != len(want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, log)
		}
	}
}

func TestManager_InterruptionWithoutActiveResponse(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if _, err := m.HandleInterruption(context.Background(), vad.InterruptionEvent{}); err != ErrNothingToInterrupt {
		t.Errorf("expected ErrNothingToInterrupt, got %v", err)
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		confidence, energy float64
		want               AckTier
	}{
		{0.9, 0.5, TierImmediate},
		{0.9, 0.1, TierPolite}, // confident but quiet
		{0.7, 0.5, TierPolite},
		{0.5, 0.5, TierGentle},
		{0.3, 0.5, TierMinimal},
	}
	for _, c := range cases {
		if got := tierFor(c.confidence, c.energy); got != c.want {
			t.Errorf("tierFor(%f, %f) = %s, want %s", c.confidence, c.energy, got, c.want)
		}
	}
}

func TestManager_StrategyFor(t *testing.T) {
	m, _, _, clk := newTestManager(t)

	mkState := func(remaining int, elapsed time.Duration) *PreservedState {
		segs := make([]string, remaining)
		for i := range segs {
			segs[i] = "Segment."
		}
		return &PreservedState{Remaining: segs, CapturedAt: clk.Now().Add(-elapsed)}
	}

	cases := []struct {
		remaining int
		elapsed   time.Duration
		want      ResumptionStrategy
	}{
		{1, 5 * time.Second, StrategyDirect},
		{2, 9 * time.Second, StrategyDirect},
		{5, 5 * time.Second, StrategySummary},
		{4, time.Minute, StrategySummary},
		{1, 40 * time.Second, StrategyContextual},
		{3, 15 * time.Second, StrategySmooth},
	}
	for _, c := range cases {
		if got := m.StrategyFor(mkState(c.remaining, c.elapsed)); got != c.want {
			t.Errorf("StrategyFor(remaining=%d, elapsed=%s) = %s, want %s", c.remaining, c.elapsed, got, c.want)
		}
	}
}

func TestManager_SummaryResumeSamplesSegments(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	state := &PreservedState{
		Language:  "en",
		Remaining: []string{"A.", "B.", "C.", "D.", "E."},
	}
	text := m.resumeText(StrategySummary, state)
	if !strings.HasSuffix(text, "A. C. E.") {
		t.Errorf("expected first, middle, and last remaining segments, got %q", text)
	}
	lead := strings.TrimSuffix(text, " A. C. E.")
	if !containsPhrase(transitionPhrases[StrategySummary]["en"], lead) {
		t.Errorf("expected a summary transition lead, got %q", lead)
	}
}

func TestManager_ResumeConsumesState(t *testing.T) {
	m, sy, _, _ := newTestManager(t)
	ctx := context.Background()

	record, _ := m.StartResponse(ctx, "Hello there. How are you today?", "en", TypeMain, 0)
	m.SegmentPlayed(record.ID, 0)
	state, _ := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5})
	sy.reset()

	resumed, err := m.Resume(ctx, state.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Type != TypeContinuation {
		t.Errorf("expected continuation, got %s", resumed.Type)
	}
	if !strings.Contains(resumed.Text, "How are you today?") {
		t.Errorf("expected remaining text spoken, got %q", resumed.Text)
	}
	if m.PreservedCount() != 0 {
		t.Error("expected preserved state consumed")
	}
	if _, err := m.Resume(ctx, state.ID); err == nil {
		t.Error("expected second resume of the same state to fail")
	}
}

func TestManager_UserChoiceRestart(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	m.StartResponse(ctx, "Hello there. How are you today?", "en", TypeMain, 0)
	state, _ := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5})

	restarted, err := m.HandleUserChoice(ctx, ChoiceRestart, state.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restarted.Type != TypeRestart || restarted.Text != "Hello there. How are you today?" {
		t.Errorf("expected restart from the beginning, got %+v", restarted)
	}
	if m.PreservedCount() != 0 {
		t.Error("expected preserved state consumed")
	}
}

func TestManager_UserChoiceSkip(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	record, _ := m.StartResponse(ctx, "Hello there. How are you today?", "en", TypeMain, 0)
	state, _ := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5})

	if _, err := m.HandleUserChoice(ctx, ChoiceSkip, state.ID); err != nil {
		t.Fatal(err)
	}
	if m.Current() != nil {
		t.Error("expected no current response after skip")
	}
	history := m.History()
	last := history[len(history)-1]
	if last.ID != record.ID || last.Status != StatusSkipped {
		t.Errorf("expected skipped record in history, got %+v", last)
	}
}

func TestManager_UserChoiceNewQuestion(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	record, _ := m.StartResponse(ctx, "Hello there. How are you today?", "en", TypeMain, 0)
	state, _ := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5})

	if _, err := m.HandleUserChoice(ctx, ChoiceNewQuestion, state.ID); err != nil {
		t.Fatal(err)
	}
	history := m.History()
	last := history[len(history)-1]
	if last.ID != record.ID || last.Status != StatusInterrupted || !last.NewQuestion {
		t.Errorf("expected interrupted-for-new-question record, got %+v", last)
	}
}

func TestManager_UnknownChoice(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if _, err := m.HandleUserChoice(context.Background(), UserChoice("shrug"), "x"); err == nil {
		t.Error("expected error for unknown choice")
	}
}

func TestManager_PreservedStatesBounded(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	var first *PreservedState
	for i := 0; i < 6; i++ {
		m.StartResponse(ctx, "Hello there. How are you today?", "en", TypeMain, 0)
		state, err := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = state
		}
	}

	if m.PreservedCount() != 5 {
		t.Errorf("expected preserved states capped at 5, got %d", m.PreservedCount())
	}
	if _, ok := m.Preserved(first.ID); ok {
		t.Error("expected oldest preserved state evicted")
	}
}

func TestManager_HistoryBounded(t *testing.T) {
	sy := &fakeSynth{}
	m := NewManager(clock.NewFake(), sy, &fakePlayback{}, Config{HistoryCap: 3}, rand.New(rand.NewSource(1)), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		record, _ := m.StartResponse(ctx, "One sentence here.", "en", TypeMain, 0)
		m.CompleteResponse(record.ID, nil)
	}
	if got := len(m.History()); got != 3 {
		t.Errorf("expected history capped at 3, got %d", got)
	}
}

func TestManager_ClearHistoryDropsArchiveAndPreserved(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	record, _ := m.StartResponse(ctx, "One sentence here.", "en", TypeMain, 0)
	m.CompleteResponse(record.ID, nil)
	m.StartResponse(ctx, "Hello there. How are you today?", "en", TypeMain, 0)
	if _, err := m.HandleInterruption(ctx, vad.InterruptionEvent{Confidence: 0.9, Energy: 0.5}); err != nil {
		t.Fatal(err)
	}

	m.ClearHistory()

	if got := len(m.History()); got != 0 {
		t.Errorf("expected empty history after clear, got %d", got)
	}
	if got := m.PreservedCount(); got != 0 {
		t.Errorf("expected no preserved states after clear, got %d", got)
	}
}

func TestManager_CompleteInvokesPersist(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	var persisted *ResponseRecord
	m.OnPersist(func(r *ResponseRecord) { persisted = r })

	record, _ := m.StartResponse(ctx, "One sentence here.", "en", TypeMain, 0)
	m.CompleteResponse(record.ID, map[string]string{"source": "llm"})

	if persisted == nil || persisted.ID != record.ID {
		t.Fatal("expected persist callback with completed record")
	}
	if persisted.Status != StatusCompleted || persisted.Extra["source"] != "llm" {
		t.Errorf("unexpected persisted record: %+v", persisted)
	}
	if m.Current() != nil {
		t.Error("expected current cleared after completion")
	}
}

func TestManager_SegmentPlayedIgnoresOtherResponses(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	record, _ := m.StartResponse(context.Background(), "Hello there. How are you today?", "en", TypeMain, 0)

	m.SegmentPlayed("someone-else", 0)
	if cur := m.Current(); cur.CurrentSegment != 0 {
		t.Errorf("expected position unchanged, got %d", cur.CurrentSegment)
	}
	m.SegmentPlayed(record.ID, 0)
	if cur := m.Current(); cur.CurrentSegment != 1 {
		t.Errorf("expected position advanced, got %d", cur.CurrentSegment)
	}
}

func TestManager_SpeakWaitingQueuesFiller(t *testing.T) {
	m, sy, _, _ := newTestManager(t)

	m.SpeakWaiting(context.Background(), "en")
	calls := sy.queued()
	if len(calls) != 1 {
		t.Fatalf("expected one filler queued, got %d", len(calls))
	}
	if !calls[0].meta.WaitingPhrase || calls[0].meta.Priority != PriorityWaiting {
		t.Errorf("unexpected filler meta: %+v", calls[0].meta)
	}
	if !containsPhrase(waitingPhrases["en"], calls[0].text) {
		t.Errorf("expected a known waiting phrase, got %q", calls[0].text)
	}
}

func TestEstimateDuration(t *testing.T) {
	if got := EstimateDuration("hi"); got != time.Second {
		t.Errorf("expected 1s floor, got %s", got)
	}
	// 600 characters is 120 words, 48 seconds at 150 wpm.
	long := strings.Repeat("x", 600)
	if got := EstimateDuration(long); got != 48*time.Second {
		t.Errorf("expected 48s, got %s", got)
	}
}

func TestPhrasePicker_FallsBackToEnglish(t *testing.T) {
	p := newPhrasePicker(rand.New(rand.NewSource(1)))
	if got := p.acknowledgment(TierPolite, "pt"); !containsPhrase(ackPhrases[TierPolite]["en"], got) {
		t.Errorf("expected english fallback, got %q", got)
	}
	if got := p.waiting("it"); !containsPhrase(waitingPhrases["en"], got) {
		t.Errorf("expected english fallback, got %q", got)
	}
}
