package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/audio"
	"github.com/halcyonvoice/voicepipe/internal/clock"
)

// fakeVoice is a voice the test finishes or observes at will.
type fakeVoice struct {
	pcm []byte

	mu      sync.Mutex
	gains   []float64
	once    sync.Once
	stopped bool
	done    chan struct{}
}

func (v *fakeVoice) SetGain(gain float64) {
	v.mu.Lock()
	v.gains = append(v.gains, gain)
	v.mu.Unlock()
}

func (v *fakeVoice) Stop() {
	v.once.Do(func() {
		v.mu.Lock()
		v.stopped = true
		v.mu.Unlock()
		close(v.done)
	})
}

// finish completes the voice as if the buffer played to the end.
func (v *fakeVoice) finish() {
	v.once.Do(func() { close(v.done) })
}

func (v *fakeVoice) Done() <-chan struct{} { return v.done }

func (v *fakeVoice) wasStopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// fakeOutput hands each started voice to the test through a channel.
type fakeOutput struct {
	mu       sync.Mutex
	acquires int
	releases int
	started  chan *fakeVoice
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{started: make(chan *fakeVoice, 16)}
}

func (o *fakeOutput) Acquire() error {
	o.mu.Lock()
	o.acquires++
	o.mu.Unlock()
	return nil
}

func (o *fakeOutput) Release() {
	o.mu.Lock()
	o.releases++
	o.mu.Unlock()
}

func (o *fakeOutput) Start(pcm []byte, sampleRate int) (Voice, error) {
	v := &fakeVoice{pcm: pcm, done: make(chan struct{})}
	o.started <- v
	return v, nil
}

func (o *fakeOutput) next(t *testing.T) *fakeVoice {
	t.Helper()
	select {
	case v := <-o.started:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no voice started in time")
		return nil
	}
}

func (o *fakeOutput) noneStarted(t *testing.T) {
	t.Helper()
	select {
	case v := <-o.started:
		t.Fatalf("unexpected voice started with %d bytes", len(v.pcm))
	case <-time.After(20 * time.Millisecond):
	}
}

func newTestQueue(t *testing.T) (*Queue, *fakeOutput, *Signal) {
	t.Helper()
	out := newFakeOutput()
	sig := NewSignal()
	q := NewQueue(out, clock.NewFake(), sig, Config{
		Crossfade: 30 * time.Millisecond,
		Mode:      audio.ModeFast,
	}, zerolog.Nop())
	return q, out, sig
}

func seg(id string, priority int, ts time.Time) Segment {
	return Segment{
		ID:         id,
		PCM:        make([]byte, 4000),
		SampleRate: 16000,
		Priority:   priority,
		Timestamp:  ts,
	}
}

func TestQueue_PlaysInTimestampOrderWithinPriority(t *testing.T) {
	q, out, _ := newTestQueue(t)
	defer q.Close()

	base := time.Now()
	q.Pause()
	q.Enqueue(seg("c", 5, base.Add(2*time.Second)))
	q.Enqueue(seg("a", 5, base))
	q.Enqueue(seg("b", 5, base.Add(time.Second)))
	q.Resume()

	var played []string
	var mu sync.Mutex
	q.OnSegmentPlayed(func(s Segment) {
		mu.Lock()
		played = append(played, s.ID)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		out.next(t).finish()
	}
	waitQueue(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(played) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if played[0] != "a" || played[1] != "b" || played[2] != "c" {
		t.Errorf("expected arrival order a,b,c, got %v", played)
	}
}

func TestQueue_HigherPriorityJumpsAhead(t *testing.T) {
	q, out, _ := newTestQueue(t)
	defer q.Close()

	base := time.Now()
	q.Enqueue(seg("first", 5, base))
	v := out.next(t)

	// Queued while the first plays: the acknowledgment must outrank the
	// older normal segment.
	q.Enqueue(seg("normal", 5, base.Add(time.Second)))
	q.Enqueue(seg("ack", 10, base.Add(2*time.Second)))

	v.finish()
	second := out.next(t)
	q.mu.Lock()
	active := q.activeID
	q.mu.Unlock()
	if active != "ack" {
		t.Errorf("expected ack to play next, got %q", active)
	}
	second.finish()
	out.next(t).finish()
}

func TestQueue_SingleActiveSegment(t *testing.T) {
	q, out, _ := newTestQueue(t)
	defer q.Close()

	q.Enqueue(seg("one", 5, time.Now()))
	q.Enqueue(seg("two", 5, time.Now()))

	v := out.next(t)
	out.noneStarted(t)
	v.finish()
	out.next(t).finish()
}

func TestQueue_ClearStopsVoiceAndEmptiesQueue(t *testing.T) {
	q, out, sig := newTestQueue(t)
	defer q.Close()

	fired := false
	q.OnSegmentPlayed(func(Segment) { fired = true })

	q.Enqueue(seg("one", 5, time.Now()))
	q.Enqueue(seg("two", 5, time.Now()))
	v := out.next(t)

	q.Clear()
	if !v.wasStopped() {
		t.Error("expected active voice stopped")
	}
	st := q.Snapshot()
	if st.Queued != 0 || st.Playing {
		t.Errorf("expected empty idle queue, got %+v", st)
	}
	if sig.Snapshot().Speaking {
		t.Error("expected speaking signal reset")
	}
	if fired {
		t.Error("cleared segment must not count as played")
	}

	// Idempotent: a second clear with nothing active is a no-op.
	q.Clear()

	// The queue accepts and plays new segments after a clear.
	q.Enqueue(seg("three", 5, time.Now()))
	out.next(t).finish()
}

func TestQueue_QueueCompleteFiresOnDrain(t *testing.T) {
	q, out, _ := newTestQueue(t)
	defer q.Close()

	done := make(chan struct{})
	q.OnQueueComplete(func() { close(done) })

	q.Enqueue(seg("one", 5, time.Now()))
	q.Enqueue(seg("two", 5, time.Now()))
	out.next(t).finish()
	out.next(t).finish()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue complete callback never fired")
	}
}

func TestQueue_PauseHoldsPlaybackUntilResume(t *testing.T) {
	q, out, _ := newTestQueue(t)
	defer q.Close()

	q.Pause()
	q.Enqueue(seg("held", 5, time.Now()))
	out.noneStarted(t)

	if st := q.Snapshot(); !st.Paused || st.Queued != 1 {
		t.Fatalf("expected paused queue holding 1 segment, got %+v", st)
	}

	q.Resume()
	out.next(t).finish()
}

func TestQueue_PauseMidSegmentThenResume(t *testing.T) {
	q, out, _ := newTestQueue(t)
	defer q.Close()

	fired := false
	q.OnSegmentPlayed(func(Segment) { fired = true })

	q.Enqueue(seg("one", 5, time.Now()))
	q.Enqueue(seg("two", 5, time.Now().Add(time.Second)))
	v := out.next(t)

	// Pause ramps the active voice out and returns once it ends.
	go q.Pause()
	waitQueue(t, func() bool { return q.Snapshot().Paused })
	v.finish()

	waitQueue(t, func() bool {
		st := q.Snapshot()
		return st.Paused && !st.Playing && st.Queued == 1
	})
	if fired {
		t.Error("paused-out segment must not count as played")
	}

	q.Resume()
	second := out.next(t)
	q.mu.Lock()
	active := q.activeID
	q.mu.Unlock()
	if active != "two" {
		t.Errorf("expected held segment to play after resume, got %q", active)
	}
	second.finish()
}

func TestQueue_StreamingSegmentsStitchAtBoundary(t *testing.T) {
	q, out, _ := newTestQueue(t)
	defer q.Close()

	s1 := seg("s1", 5, time.Now())
	s1.Streaming = true
	s2 := seg("s2", 5, time.Now().Add(time.Second))
	s2.Streaming = true
	q.Enqueue(s1)
	q.Enqueue(s2)

	// 30ms at 16kHz is 960 bytes, withheld from the first segment's tail and
	// mixed into the second segment's head.
	v1 := out.next(t)
	if len(v1.pcm) != 4000-960 {
		t.Errorf("expected first segment trimmed by the crossfade tail, got %d bytes", len(v1.pcm))
	}
	v1.finish()

	v2 := out.next(t)
	if len(v2.pcm) != 4000-960 {
		t.Errorf("expected second segment stitched and trimmed, got %d bytes", len(v2.pcm))
	}
	v2.finish()
}

func TestQueue_NonStreamingSegmentsNotTrimmed(t *testing.T) {
	q, out, _ := newTestQueue(t)
	defer q.Close()

	q.Enqueue(seg("whole", 5, time.Now()))
	v := out.next(t)
	if len(v.pcm) != 4000 {
		t.Errorf("expected untouched buffer, got %d bytes", len(v.pcm))
	}
	v.finish()
}

func TestQueue_CloseReleasesOutput(t *testing.T) {
	q, out, _ := newTestQueue(t)

	q.Enqueue(seg("one", 5, time.Now()))
	out.next(t)
	q.Close()

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.releases != 1 {
		t.Errorf("expected output released once, got %d", out.releases)
	}
}

func waitQueue(t *testing.T, cond func() bool) {
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
