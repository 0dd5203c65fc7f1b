package flow

import (
	"math/rand"
	"sync"
)

// AckTier grades how assertive the spoken acknowledgment of an interruption
// should be, chosen from the interruption's confidence and energy.
type AckTier string

const (
	TierImmediate AckTier = "immediate_acknowledgment"
	TierPolite    AckTier = "polite"
	TierGentle    AckTier = "gentle"
	TierMinimal   AckTier = "minimal"
)

// ResumptionStrategy names how a preserved response is picked back up.
type ResumptionStrategy string

const (
	StrategyDirect     ResumptionStrategy = "direct_continuation"
	StrategySummary    ResumptionStrategy = "summary_continuation"
	StrategyContextual ResumptionStrategy = "contextual_continuation"
	StrategySmooth     ResumptionStrategy = "smooth_continuation"
)

var ackPhrases = map[AckTier]map[string][]string{
	TierImmediate: {
		"en": {"Yes?", "Go ahead.", "I'm listening."},
		"es": {"¿Sí?", "Adelante.", "Te escucho."},
		"fr": {"Oui ?", "Allez-y.", "Je vous écoute."},
		"de": {"Ja?", "Bitte.", "Ich höre."},
	},
	TierPolite: {
		"en": {"Sorry, go ahead.", "Of course, what is it?", "Sure, I'm listening."},
		"es": {"Perdón, adelante.", "Claro, dime.", "Por supuesto, te escucho."},
		"fr": {"Pardon, allez-y.", "Bien sûr, dites-moi.", "Je vous en prie."},
		"de": {"Entschuldigung, bitte.", "Natürlich, was gibt es?", "Gerne, ich höre."},
	},
	TierGentle: {
		"en": {"Mm-hm?", "Yes, what's up?", "One moment — yes?"},
		"es": {"¿Mmm?", "¿Sí, qué pasa?", "Un momento, ¿sí?"},
		"fr": {"Mm ?", "Oui, qu'y a-t-il ?", "Un instant... oui ?"},
		"de": {"Mm?", "Ja, was gibt es?", "Einen Moment... ja?"},
	},
	TierMinimal: {
		"en": {"Mm.", "Yes?"},
		"es": {"Mm.", "¿Sí?"},
		"fr": {"Mm.", "Oui ?"},
		"de": {"Mm.", "Ja?"},
	},
}

var transitionPhrases = map[ResumptionStrategy]map[string][]string{
	StrategyDirect: {
		"en": {"", "So,"},
		"es": {"", "Entonces,"},
		"fr": {"", "Donc,"},
		"de": {"", "Also,"},
	},
	StrategySummary: {
		"en": {"To sum up what's left:", "In short:"},
		"es": {"En resumen:", "Para resumir lo que queda:"},
		"fr": {"Pour résumer :", "En bref :"},
		"de": {"Kurz gesagt:", "Zusammengefasst:"},
	},
	StrategyContextual: {
		"en": {"Getting back to what I was saying,", "As I was saying earlier,"},
		"es": {"Volviendo a lo que decía,", "Como decía antes,"},
		"fr": {"Pour revenir à ce que je disais,", "Comme je le disais,"},
		"de": {"Um auf das zurückzukommen, was ich sagte,", "Wie ich schon sagte,"},
	},
	StrategySmooth: {
		"en": {"Anyway,", "So,", "Right,"},
		"es": {"Bueno,", "Entonces,", "Pues,"},
		"fr": {"Bref,", "Donc,", "Alors,"},
		"de": {"Jedenfalls,", "Also,", "Nun,"},
	},
}

var waitingPhrases = map[string][]string{
	"en": {"One moment.", "Let me think.", "Just a second."},
	"es": {"Un momento.", "Déjame pensar.", "Un segundo."},
	"fr": {"Un instant.", "Laissez-moi réfléchir.", "Une seconde."},
	"de": {"Einen Moment.", "Lass mich überlegen.", "Eine Sekunde."},
}

// phrasePicker selects phrase variants at random. The source is injected so
// tests can pin the sequence.
type phrasePicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newPhrasePicker(rng *rand.Rand) *phrasePicker {
	return &phrasePicker{rng: rng}
}

func (p *phrasePicker) pick(variants []string) string {
	if len(variants) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return variants[p.rng.Intn(len(variants))]
}

func (p *phrasePicker) acknowledgment(tier AckTier, language string) string {
	byLang, ok := ackPhrases[tier]
	if !ok {
		byLang = ackPhrases[TierMinimal]
	}
	variants, ok := byLang[language]
	if !ok {
		variants = byLang["en"]
	}
	return p.pick(variants)
}

func (p *phrasePicker) transition(strategy ResumptionStrategy, language string) string {
	byLang, ok := transitionPhrases[strategy]
	if !ok {
		byLang = transitionPhrases[StrategySmooth]
	}
	variants, ok := byLang[language]
	if !ok {
		variants = byLang["en"]
	}
	return p.pick(variants)
}

func (p *phrasePicker) waiting(language string) string {
	variants, ok := waitingPhrases[language]
	if !ok {
		variants = waitingPhrases["en"]
	}
	return p.pick(variants)
}

// tierFor grades an interruption by confidence and energy. Confident, loud
// interruptions get an immediate acknowledgment; faint ones barely register.
func tierFor(confidence, energy float64) AckTier {
	switch {
	case confidence >= 0.8 && energy >= 0.3:
		return TierImmediate
	case confidence >= 0.6:
		return TierPolite
	case confidence >= 0.4:
		return TierGentle
	default:
		return TierMinimal
	}
}
