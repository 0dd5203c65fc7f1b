// Package playback serializes out-of-order synthesis completions into
// strictly sequential audio output. Entries are sorted by priority and
// arrival, exactly one segment plays at a time, and transitions between
// streaming segments are stitched with a short crossfade.
package playback

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/audio"
	"github.com/halcyonvoice/voicepipe/internal/clock"
	"github.com/halcyonvoice/voicepipe/internal/observability"
)

// Segment is one synthesized audio unit handed to the queue. The queue owns
// it until played, then discards it.
type Segment struct {
	ID            string
	PCM           []byte
	SampleRate    int
	Priority      int
	Timestamp     time.Time
	Duration      time.Duration
	Streaming     bool
	WaitingPhrase bool
	ResponseID    string
	SegmentIndex  int
}

type entry struct {
	seg Segment
	seq uint64 // insertion order, breaks (priority, timestamp) ties
}

// Status is a point-in-time snapshot of queue state.
type Status struct {
	Queued   int    `json:"queued"`
	Playing  bool   `json:"playing"`
	Paused   bool   `json:"paused"`
	ActiveID string `json:"active_id,omitempty"`
	Mode     string `json:"mode"`
}

// Config holds queue tunables.
type Config struct {
	Crossfade        time.Duration
	AnimationCadence time.Duration
	CacheSize        int
	Mode             audio.PerformanceMode
}

// Queue orders synthesized segments and plays them one at a time through an
// Output. Enqueue while idle starts playback immediately; Clear stops
// everything and resets the speaking signal.
type Queue struct {
	out    Output
	clk    clock.Clock
	sig    *Signal
	cache  *bufferCache
	logger zerolog.Logger

	crossfade time.Duration
	cadence   time.Duration

	mu          sync.Mutex
	entries     []*entry
	seq         uint64
	mode        audio.PerformanceMode
	playing     bool
	paused      bool
	acquired    bool
	activeID    string
	activeVoice Voice
	prevTail    []byte // unplayed tail of the last streaming segment
	generation  uint64 // bumped by Clear; stale loops exit

	onSegmentPlayed func(Segment)
	onQueueComplete func()
}

// NewQueue creates an idle queue playing through out.
func NewQueue(out Output, clk clock.Clock, sig *Signal, cfg Config, logger zerolog.Logger) *Queue {
	if cfg.Crossfade <= 0 {
		cfg.Crossfade = 30 * time.Millisecond
	}
	if cfg.AnimationCadence <= 0 {
		cfg.AnimationCadence = 33 * time.Millisecond
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 5
	}
	return &Queue{
		out:       out,
		clk:       clk,
		sig:       sig,
		cache:     newBufferCache(cfg.CacheSize),
		logger:    logger,
		crossfade: cfg.Crossfade,
		cadence:   cfg.AnimationCadence,
		mode:      cfg.Mode,
	}
}

// OnSegmentPlayed registers a callback fired after each segment finishes
// playing naturally. Cleared segments do not fire it.
func (q *Queue) OnSegmentPlayed(fn func(Segment)) {
	q.mu.Lock()
	q.onSegmentPlayed = fn
	q.mu.Unlock()
}

// OnQueueComplete registers a callback fired when the queue drains.
func (q *Queue) OnQueueComplete(fn func()) {
	q.mu.Lock()
	q.onQueueComplete = fn
	q.mu.Unlock()
}

// SetMode switches the buffer-processing performance mode at runtime.
// Already-processed buffers keep their original processing.
func (q *Queue) SetMode(mode audio.PerformanceMode) {
	q.mu.Lock()
	q.mode = mode
	q.mu.Unlock()
}

// Enqueue inserts a segment and re-sorts the queue. If nothing is playing and
// the queue is not paused, playback starts immediately. The insert and the
// idle check happen under one lock, so a segment can never land unplayed in
// an idle queue.
func (q *Queue) Enqueue(seg Segment) {
	if seg.Duration == 0 {
		seg.Duration = audio.Duration(seg.PCM, seg.SampleRate)
	}
	q.mu.Lock()
	q.seq++
	q.entries = append(q.entries, &entry{seg: seg, seq: q.seq})
	q.sortLocked()
	depth := len(q.entries)
	start := !q.playing && !q.paused
	if start {
		q.playing = true
		gen := q.generation
		go q.loop(gen)
	}
	q.mu.Unlock()
	observability.SetQueueDepth(depth)
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if a.seg.Priority != b.seg.Priority {
			return a.seg.Priority > b.seg.Priority
		}
		if !a.seg.Timestamp.Equal(b.seg.Timestamp) {
			return a.seg.Timestamp.Before(b.seg.Timestamp)
		}
		return a.seq < b.seq
	})
}

// Pause ramps the active voice out and holds the queue. The interrupted
// segment is not requeued; preservation of unplayed segments is the flow
// manager's job.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	voice := q.activeVoice
	q.activeVoice = nil
	q.mu.Unlock()
	if voice != nil {
		q.rampOut(voice)
	}
}

// Resume lifts a pause and restarts playback if segments remain.
func (q *Queue) Resume() {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = false
	if !q.playing && len(q.entries) > 0 {
		q.playing = true
		gen := q.generation
		go q.loop(gen)
	}
	q.mu.Unlock()
}

// Clear stops current playback, empties the queue, and resets the speaking
// signal. Idempotent; used for both graceful teardown and hard interruption.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.generation++
	q.entries = nil
	q.prevTail = nil
	q.paused = false
	q.playing = false
	q.activeID = ""
	voice := q.activeVoice
	q.activeVoice = nil
	q.mu.Unlock()

	if voice != nil {
		voice.Stop()
		<-voice.Done()
	}
	q.sig.Reset()
	observability.SetQueueDepth(0)
}

// Close clears the queue and releases the output device.
func (q *Queue) Close() {
	q.Clear()
	q.mu.Lock()
	held := q.acquired
	q.acquired = false
	q.mu.Unlock()
	if held {
		q.out.Release()
	}
}

// Snapshot returns the current queue status.
func (q *Queue) Snapshot() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Queued:   len(q.entries),
		Playing:  q.playing,
		Paused:   q.paused,
		ActiveID: q.activeID,
		Mode:     q.mode.String(),
	}
}

// loop plays entries head-first until the queue drains, a pause lands, or the
// generation is bumped by Clear.
func (q *Queue) loop(gen uint64) {
	for {
		q.mu.Lock()
		if gen != q.generation {
			q.mu.Unlock()
			return
		}
		if q.paused || len(q.entries) == 0 {
			drained := len(q.entries) == 0 && !q.paused
			q.playing = false
			complete := q.onQueueComplete
			q.mu.Unlock()
			if drained {
				q.sig.Reset()
				observability.SetQueueDepth(0)
				if complete != nil {
					complete()
				}
			}
			return
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		depth := len(q.entries)
		mode := q.mode
		tail := q.prevTail
		q.prevTail = nil
		q.activeID = e.seg.ID
		q.mu.Unlock()
		observability.SetQueueDepth(depth)

		pcm := q.processed(e.seg, mode)

		// Overlap-add stitching: the held-back tail of the previous streaming
		// segment is mixed into this segment's head so consecutive streaming
		// segments transition without an audible seam.
		if tail != nil && e.seg.Streaming {
			pcm = audio.Crossfade(tail, pcm, q.crossfade, e.seg.SampleRate)
		}
		if e.seg.Streaming {
			cut := int(float64(e.seg.SampleRate)*q.crossfade.Seconds()) * 2
			if cut > 0 && len(pcm) > 2*cut {
				nextTail := make([]byte, cut)
				copy(nextTail, pcm[len(pcm)-cut:])
				q.mu.Lock()
				q.prevTail = nextTail
				q.mu.Unlock()
				pcm = pcm[:len(pcm)-cut]
			}
		}

		if !q.ensureAcquired() {
			continue
		}
		voice, err := q.out.Start(pcm, e.seg.SampleRate)
		if err != nil {
			q.logger.Error().Err(err).Str("segment_id", e.seg.ID).Msg("playback start failed")
			q.cache.remove(e.seg.ID)
			continue
		}

		q.mu.Lock()
		if gen != q.generation {
			q.mu.Unlock()
			voice.Stop()
			return
		}
		q.activeVoice = voice
		q.mu.Unlock()

		go q.rampIn(voice)
		ampDone := make(chan struct{})
		go q.driveSignal(voice, pcm, e.seg.SampleRate, ampDone)

		<-voice.Done()
		<-ampDone

		q.mu.Lock()
		stale := gen != q.generation
		paused := q.paused && !stale
		q.activeVoice = nil
		q.activeID = ""
		if paused {
			// Clear already reset playing for the stale case; a pause landing
			// mid-segment has to release it here or Resume can never restart.
			q.playing = false
		}
		segCB := q.onSegmentPlayed
		q.mu.Unlock()

		q.cache.remove(e.seg.ID)
		if stale || paused {
			return
		}
		observability.RecordSegmentPlayed()
		if segCB != nil {
			segCB(e.seg)
		}
	}
}

// processed returns the decoded-and-smoothed buffer for a segment, cached by
// segment id so a replay never reprocesses.
func (q *Queue) processed(seg Segment, mode audio.PerformanceMode) []byte {
	if buf, ok := q.cache.get(seg.ID); ok {
		return buf
	}
	buf := audio.Smooth(seg.PCM, mode, seg.SampleRate)
	q.cache.put(seg.ID, buf)
	return buf
}

func (q *Queue) ensureAcquired() bool {
	q.mu.Lock()
	held := q.acquired
	q.mu.Unlock()
	if held {
		return true
	}
	if err := q.out.Acquire(); err != nil {
		q.logger.Error().Err(err).Msg("audio output acquire failed")
		return false
	}
	q.mu.Lock()
	q.acquired = true
	q.mu.Unlock()
	return true
}

const rampSteps = 6

// rampIn raises the incoming voice's gain linearly from zero to full over the
// crossfade duration.
func (q *Queue) rampIn(v Voice) {
	v.SetGain(0)
	step := q.crossfade / rampSteps
	for i := 1; i <= rampSteps; i++ {
		select {
		case <-v.Done():
			return
		case <-q.clk.After(step):
		}
		v.SetGain(float64(i) / rampSteps)
	}
}

// rampOut lowers the outgoing voice's gain to zero over the crossfade
// duration, then stops it.
func (q *Queue) rampOut(v Voice) {
	step := q.crossfade / rampSteps
	for i := rampSteps - 1; i >= 0; i-- {
		v.SetGain(float64(i) / rampSteps)
		select {
		case <-v.Done():
			return
		case <-q.clk.After(step):
		}
	}
	v.Stop()
}

// driveSignal samples playback progress on the animation cadence and updates
// the shared speaking signal with the amplitude of the window around the
// current position. It does not reset the signal when the voice ends, so
// back-to-back streaming segments render without flicker; the loop resets on
// drain and Clear resets unconditionally.
func (q *Queue) driveSignal(v Voice, pcm []byte, sampleRate int, done chan<- struct{}) {
	defer close(done)

	t := q.clk.NewTicker(q.cadence)
	defer t.Stop()
	start := q.clk.Now()
	windowBytes := int(float64(sampleRate)*q.cadence.Seconds()) * 2

	for {
		select {
		case <-v.Done():
			return
		case <-t.C():
			elapsed := q.clk.Now().Sub(start)
			off := int(float64(sampleRate)*elapsed.Seconds()) * 2
			if off >= len(pcm) {
				return
			}
			end := off + windowBytes
			if end > len(pcm) {
				end = len(pcm)
			}
			samples := audio.DecodePCM16(pcm[off:end])
			amp := audio.NormalizedEnergy(samples) * 4
			if amp > 1 {
				amp = 1
			}
			q.sig.update(true, amp)
		}
	}
}
