package playback

import (
	"sync"
)

// SignalState is the continuously updated speaking indicator set consumed by
// lip-sync and UI rendering. It is derived from playback progress and is
// independent of synthesis and queue logic.
type SignalState struct {
	Speaking  bool
	Amplitude float64 // 0..1
	Viseme    string
}

// Viseme buckets derived from amplitude. A discrete mouth shape is all the
// renderer needs; true phoneme alignment is out of scope.
const (
	VisemeClosed = "closed"
	VisemeSmall  = "small"
	VisemeMedium = "medium"
	VisemeWide   = "wide"
)

// VisemeFor maps an amplitude to a mouth shape.
func VisemeFor(amplitude float64) string {
	switch {
	case amplitude < 0.05:
		return VisemeClosed
	case amplitude < 0.2:
		return VisemeSmall
	case amplitude < 0.5:
		return VisemeMedium
	default:
		return VisemeWide
	}
}

// Signal holds the current speaking state and fans updates out to
// subscribers. Subscriber panics are isolated by the caller (the queue).
type Signal struct {
	mu          sync.RWMutex
	state       SignalState
	subscribers []func(SignalState)
}

// NewSignal returns a silent signal.
func NewSignal() *Signal {
	return &Signal{state: SignalState{Viseme: VisemeClosed}}
}

// Subscribe registers a callback invoked on every state update.
func (s *Signal) Subscribe(fn func(SignalState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Snapshot returns the current state.
func (s *Signal) Snapshot() SignalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Signal) update(speaking bool, amplitude float64) {
	s.mu.Lock()
	s.state = SignalState{
		Speaking:  speaking,
		Amplitude: amplitude,
		Viseme:    VisemeFor(amplitude),
	}
	state := s.state
	subs := make([]func(SignalState), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// Reset returns the signal to silence.
func (s *Signal) Reset() {
	s.update(false, 0)
}
