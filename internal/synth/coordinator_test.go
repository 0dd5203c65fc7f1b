package synth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/clock"
)

// blockingSynth holds every call until released, so tests control completion
// order and timing.
type blockingSynth struct {
	mu      sync.Mutex
	started []chan struct{} // one per in-flight call, closed to release it
	texts   []string
	fail    map[string]error
}

func newBlockingSynth() *blockingSynth {
	return &blockingSynth{fail: make(map[string]error)}
}

func (b *blockingSynth) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	release := make(chan struct{})
	b.mu.Lock()
	b.started = append(b.started, release)
	b.texts = append(b.texts, text)
	b.mu.Unlock()

	<-release
	b.mu.Lock()
	err := b.fail[text]
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

func (b *blockingSynth) inFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.started {
		select {
		case <-ch:
		default:
			n++
		}
	}
	return n
}

// releaseOne releases the i-th started call.
func (b *blockingSynth) releaseOne(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.started[i])
}

func (b *blockingSynth) startedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type result struct {
	task  Task
	audio []byte
}

func newTestCoordinator(t *testing.T, synth Synthesizer, maxParallel int) (*Coordinator, *[]result, *[]Task, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var results []result
	var failures []Task
	c := NewCoordinator(synth, clock.NewFake(), maxParallel,
		func(task Task, audio []byte) {
			mu.Lock()
			results = append(results, result{task, audio})
			mu.Unlock()
		},
		func(task Task, err error) {
			mu.Lock()
			failures = append(failures, task)
			mu.Unlock()
		},
		zerolog.Nop())
	return c, &results, &failures, &mu
}

func TestCoordinator_DeduplicatesPendingText(t *testing.T) {
	synth := newBlockingSynth()
	c, _, _, _ := newTestCoordinator(t, synth, 1)
	ctx := context.Background()

	id1, ok := c.Queue(ctx, "Hello there.", "en", TaskMeta{})
	if !ok || id1 == "" {
		t.Fatal("expected first queue to succeed")
	}
	// Same text, different case and spacing: still a duplicate.
	if _, ok := c.Queue(ctx, "  hello   THERE. ", "en", TaskMeta{}); ok {
		t.Error("expected normalized duplicate to be rejected")
	}

	counts := c.Counts()
	if counts.Pending+counts.InProgress != 1 {
		t.Errorf("expected exactly one task, got %+v", counts)
	}
	waitFor(t, func() bool { return synth.startedCount() == 1 })
	synth.releaseOne(0)
}

func TestCoordinator_CompletedTextMayBeRequeued(t *testing.T) {
	synth := newBlockingSynth()
	c, results, _, mu := newTestCoordinator(t, synth, 1)
	ctx := context.Background()

	c.Queue(ctx, "Hello there.", "en", TaskMeta{})
	waitFor(t, func() bool { return synth.startedCount() == 1 })
	synth.releaseOne(0)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*results) == 1
	})

	// The dedup window only covers queued work, not finished work.
	if _, ok := c.Queue(ctx, "Hello there.", "en", TaskMeta{}); !ok {
		t.Error("expected completed text to be accepted again")
	}
	waitFor(t, func() bool { return synth.startedCount() == 2 })
	synth.releaseOne(1)
}

func TestCoordinator_ConcurrencyBound(t *testing.T) {
	synth := newBlockingSynth()
	c, results, _, mu := newTestCoordinator(t, synth, 3)
	ctx := context.Background()

	for i, text := range []string{"One.", "Two.", "Three.", "Four.", "Five."} {
		if _, ok := c.Queue(ctx, text, "en", TaskMeta{SegmentIndex: i}); !ok {
			t.Fatalf("queue %d rejected", i)
		}
	}

	waitFor(t, func() bool { return synth.startedCount() == 3 })
	if got := synth.inFlight(); got != 3 {
		t.Fatalf("expected 3 in flight, got %d", got)
	}
	counts := c.Counts()
	if counts.InProgress != 3 || counts.Pending != 2 {
		t.Fatalf("expected 3 in-progress and 2 pending, got %+v", counts)
	}

	// Finishing one immediately schedules the next.
	synth.releaseOne(0)
	waitFor(t, func() bool { return synth.startedCount() == 4 })
	if got := synth.inFlight(); got != 3 {
		t.Errorf("expected ceiling held at 3, got %d", got)
	}

	for i := 1; i < 5; i++ {
		i := i
		waitFor(t, func() bool { return synth.startedCount() > i })
		synth.releaseOne(i)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*results) == 5
	})
}

func TestCoordinator_FailureDoesNotHaltOthers(t *testing.T) {
	synth := newBlockingSynth()
	synth.fail["Bad."] = errors.New("synthesis timeout")
	c, results, failures, mu := newTestCoordinator(t, synth, 1)
	ctx := context.Background()

	c.Queue(ctx, "Bad.", "en", TaskMeta{})
	c.Queue(ctx, "Good.", "en", TaskMeta{})

	waitFor(t, func() bool { return synth.startedCount() == 1 })
	synth.releaseOne(0)
	waitFor(t, func() bool { return synth.startedCount() == 2 })
	synth.releaseOne(1)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*results) == 1 && len(*failures) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if (*failures)[0].Text != "Bad." || (*failures)[0].Status != StatusFailed {
		t.Errorf("expected failed task recorded, got %+v", (*failures)[0])
	}
	if (*results)[0].task.Text != "Good." {
		t.Errorf("expected surviving task completed, got %+v", (*results)[0].task)
	}

	counts := c.Counts()
	if counts.Completed != 1 || counts.Failed != 1 {
		t.Errorf("expected counts 1/1, got %+v", counts)
	}
}

func TestCoordinator_StopDiscardsInFlightResults(t *testing.T) {
	synth := newBlockingSynth()
	c, results, failures, mu := newTestCoordinator(t, synth, 2)
	ctx := context.Background()

	c.Queue(ctx, "One.", "en", TaskMeta{})
	c.Queue(ctx, "Two.", "en", TaskMeta{})
	c.Queue(ctx, "Three.", "en", TaskMeta{})
	waitFor(t, func() bool { return synth.startedCount() == 2 })

	c.Stop()
	counts := c.Counts()
	if counts.Pending != 0 || counts.InProgress != 0 {
		t.Errorf("expected empty queue after Stop, got %+v", counts)
	}

	// The in-flight network calls finish, but their results are dropped and
	// nothing new is scheduled from them.
	synth.releaseOne(0)
	synth.releaseOne(1)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if len(*results) != 0 || len(*failures) != 0 {
		t.Errorf("expected discarded results, got %d results %d failures", len(*results), len(*failures))
	}
	mu.Unlock()
	if synth.startedCount() != 2 {
		t.Errorf("expected no new synthesis after Stop, got %d", synth.startedCount())
	}
}

func TestCoordinator_StopIsIdempotent(t *testing.T) {
	synth := newBlockingSynth()
	c, _, _, _ := newTestCoordinator(t, synth, 1)

	c.Stop()
	c.Stop()
	counts := c.Counts()
	if counts.Pending != 0 || counts.InProgress != 0 {
		t.Errorf("expected empty queue, got %+v", counts)
	}
}

func TestCoordinator_RejectsBlankText(t *testing.T) {
	synth := newBlockingSynth()
	c, _, _, _ := newTestCoordinator(t, synth, 1)

	if _, ok := c.Queue(context.Background(), "   ", "en", TaskMeta{}); ok {
		t.Error("expected blank text rejected")
	}
}
