// Package synth converts ready-to-speak text units into audio while bounding
// concurrent synthesis calls. Completion order is unconstrained; the playback
// queue re-establishes ordering before anything is audible.
package synth

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halcyonvoice/voicepipe/internal/clock"
)

// ResultFunc receives synthesized audio for a completed task.
type ResultFunc func(task Task, audio []byte)

// ErrorFunc receives the task and error for a failed synthesis. One sentence
// failing never halts the rest of the response.
type ErrorFunc func(task Task, err error)

// Coordinator schedules synthesis tasks greedily: whenever a task finishes
// and the concurrency ceiling allows, the next pending task starts. It is not
// a FIFO barrier; several syntheses proceed at once.
type Coordinator struct {
	synth       Synthesizer
	clk         clock.Clock
	maxParallel int
	onResult    ResultFunc
	onError     ErrorFunc
	logger      zerolog.Logger

	mu         sync.Mutex
	pending    []*Task
	inProgress map[string]*Task
	completed  int
	failed     int
	generation uint64 // bumped by Stop; stale completions are discarded
	nextPos    int
}

// NewCoordinator creates a coordinator with the given concurrency ceiling.
func NewCoordinator(synth Synthesizer, clk clock.Clock, maxParallel int, onResult ResultFunc, onError ErrorFunc, logger zerolog.Logger) *Coordinator {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Coordinator{
		synth:       synth,
		clk:         clk,
		maxParallel: maxParallel,
		onResult:    onResult,
		onError:     onError,
		logger:      logger,
		inProgress:  make(map[string]*Task),
	}
}

// normalizeText is the dedup key: lowercased with whitespace collapsed.
func normalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Queue adds text for synthesis. An exact normalized duplicate of a task
// still pending or in progress is rejected (returns "", false); duplicates of
// already-completed tasks are re-synthesized.
func (c *Coordinator) Queue(ctx context.Context, text, language string, meta TaskMeta) (string, bool) {
	norm := normalizeText(text)
	if norm == "" {
		return "", false
	}

	c.mu.Lock()
	for _, t := range c.pending {
		if normalizeText(t.Text) == norm {
			c.mu.Unlock()
			c.logger.Debug().Str("text", text).Msg("duplicate synthesis request dropped")
			return "", false
		}
	}
	for _, t := range c.inProgress {
		if normalizeText(t.Text) == norm {
			c.mu.Unlock()
			c.logger.Debug().Str("text", text).Msg("duplicate synthesis request dropped")
			return "", false
		}
	}

	task := &Task{
		ID:            uuid.New().String(),
		Text:          text,
		Language:      language,
		Status:        StatusPending,
		QueuePosition: c.nextPos,
		Meta:          meta,
		CreatedAt:     c.clk.Now(),
	}
	c.nextPos++
	c.pending = append(c.pending, task)
	c.startNextLocked(ctx)
	c.mu.Unlock()

	return task.ID, true
}

// startNextLocked launches pending tasks up to the concurrency ceiling.
// Caller holds c.mu.
func (c *Coordinator) startNextLocked(ctx context.Context) {
	for len(c.inProgress) < c.maxParallel && len(c.pending) > 0 {
		task := c.pending[0]
		c.pending = c.pending[1:]
		task.Status = StatusInProgress
		task.StartedAt = c.clk.Now()
		c.inProgress[task.ID] = task

		gen := c.generation
		go c.run(ctx, task, gen)
	}
}

func (c *Coordinator) run(ctx context.Context, task *Task, gen uint64) {
	audio, err := c.synth.Synthesize(ctx, task.Text, task.Language)

	c.mu.Lock()
	if gen != c.generation {
		// Stopped while this call was in flight; the result is discarded and
		// no further task is scheduled from it.
		c.mu.Unlock()
		return
	}
	delete(c.inProgress, task.ID)
	task.FinishedAt = c.clk.Now()
	if err != nil {
		task.Status = StatusFailed
		task.Err = err
		c.failed++
	} else {
		task.Status = StatusCompleted
		c.completed++
	}
	c.startNextLocked(ctx)
	snapshot := *task
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Str("task_id", task.ID).Msg("synthesis failed")
		if c.onError != nil {
			c.onError(snapshot, err)
		}
		return
	}
	if c.onResult != nil {
		c.onResult(snapshot, audio)
	}
}

// Counts returns a snapshot of queue state.
func (c *Coordinator) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counts{
		Pending:    len(c.pending),
		InProgress: len(c.inProgress),
		Completed:  c.completed,
		Failed:     c.failed,
	}
}

// Stop clears the queue and concurrency counters. In-flight network calls
// are not aborted; their results are discarded on arrival. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.inProgress = make(map[string]*Task)
	c.generation++
}
