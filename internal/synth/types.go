package synth

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a synthesis task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// TaskMeta carries playback-facing metadata through the coordinator
// untouched. The coordinator never interprets it.
type TaskMeta struct {
	Priority      int
	ResponseID    string
	SegmentIndex  int
	WaitingPhrase bool
	Streaming     bool
}

// Task is one unit of text queued for synthesis. Owned exclusively by the
// coordinator; immutable once completed or failed.
type Task struct {
	ID            string
	Text          string
	Language      string
	Status        TaskStatus
	QueuePosition int
	Meta          TaskMeta
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	Err           error
}

// Counts is a snapshot of coordinator queue state for observability.
type Counts struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// Synthesizer converts text to raw audio bytes. Implementations fail with a
// transport error; they never panic.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, text, language string) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	return f(ctx, text, language)
}
