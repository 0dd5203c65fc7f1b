// Package lang guesses the language of short text snippets. Detection here
// only steers phrase selection for acknowledgments and transitions; full
// language identification is an external capability.
package lang

import (
	"strings"
)

// Result is a language guess with a confidence in [0, 1].
type Result struct {
	Language   string
	Confidence float64
}

// Detector produces a language guess for a piece of text.
type Detector interface {
	Detect(text string) Result
}

// DefaultLanguage is assumed when no signal is found.
const DefaultLanguage = "en"

// Heuristic is a stopword-and-diacritic based detector. It is intentionally
// small: sentence-sized inputs with common function words are the expected
// case, and a wrong guess only means a transition phrase in the wrong
// language, not a correctness problem.
type Heuristic struct{}

// NewHeuristic returns the built-in detector.
func NewHeuristic() *Heuristic { return &Heuristic{} }

var stopwords = map[string][]string{
	"en": {"the", "and", "you", "are", "is", "how", "what", "with", "that", "this", "have", "for"},
	"es": {"el", "la", "los", "las", "que", "como", "está", "por", "una", "con", "pero", "gracias"},
	"fr": {"le", "la", "les", "est", "vous", "je", "que", "avec", "pour", "mais", "dans", "merci"},
	"de": {"der", "die", "das", "und", "ist", "wie", "ich", "nicht", "mit", "für", "aber", "danke"},
}

var markers = map[string]string{
	"es": "¿¡ñáéíóú",
	"fr": "çàèêùœ",
	"de": "ßäöü",
}

// Detect scores the text against per-language stopword tables and diacritic
// markers, returning the best guess. Empty or unscored text falls back to
// English with low confidence.
func (h *Heuristic) Detect(text string) Result {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return Result{Language: DefaultLanguage, Confidence: 0.1}
	}

	scores := make(map[string]float64, len(stopwords))
	for langCode, sw := range stopwords {
		for _, w := range words {
			trimmed := strings.Trim(w, ".,!?;:\"'()")
			for _, s := range sw {
				if trimmed == s {
					scores[langCode]++
					break
				}
			}
		}
	}
	lower := strings.ToLower(text)
	for langCode, chars := range markers {
		if strings.ContainsAny(lower, chars) {
			scores[langCode] += 2
		}
	}

	best, bestScore := DefaultLanguage, 0.0
	for langCode, score := range scores {
		if score > bestScore {
			best, bestScore = langCode, score
		}
	}
	if bestScore == 0 {
		return Result{Language: DefaultLanguage, Confidence: 0.2}
	}

	conf := bestScore / float64(len(words))
	if conf > 0.95 {
		conf = 0.95
	}
	if conf < 0.3 {
		conf = 0.3
	}
	return Result{Language: best, Confidence: conf}
}
