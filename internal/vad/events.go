package vad

import (
	"time"

	"github.com/halcyonvoice/voicepipe/internal/lang"
)

// InterruptionEvent is emitted once per confirmed vocal onset. It is consumed
// by the conversation flow manager and then discarded; nothing persists it.
type InterruptionEvent struct {
	Timestamp          time.Time
	Energy             float64 // normalized energy at confirmation
	Confidence         float64 // 0..1
	Language           string
	LanguageConfidence float64
	BackgroundNoise    float64 // noise floor at time of detection
}

// Listener receives confirmed interruption events. A panicking listener is
// isolated and logged; it never breaks detection.
type Listener func(InterruptionEvent)

// LanguageGuesser supplies the language estimate attached to events. The
// actual identification is an external capability.
type LanguageGuesser interface {
	Guess() lang.Result
}

// StaticGuesser always reports a fixed language.
type StaticGuesser struct {
	Language   string
	Confidence float64
}

func (g StaticGuesser) Guess() lang.Result {
	return lang.Result{Language: g.Language, Confidence: g.Confidence}
}
