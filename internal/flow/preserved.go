package flow

import (
	"sync"
	"time"

	"github.com/halcyonvoice/voicepipe/internal/vad"
)

// PreservedState snapshots an interrupted response so it can later be
// continued, restarted, or discarded. Lifetime ends when the user chooses, or
// when the bounded store evicts it.
type PreservedState struct {
	ID            string
	ResponseID    string
	OriginalText  string
	Language      string
	Segments      []string
	LastPlayed    int // index of the last fully played segment, -1 if none
	Completed     []string
	Remaining     []string
	CapturedAt    time.Time
	Event         vad.InterruptionEvent
	Context       map[string]string
	CanContinue   bool
}

// preservedStore keeps the most recent preserved states, evicting the oldest
// once the cap is exceeded.
type preservedStore struct {
	mu    sync.Mutex
	cap   int
	order []string
	byID  map[string]*PreservedState
}

func newPreservedStore(capacity int) *preservedStore {
	if capacity <= 0 {
		capacity = 1
	}
	return &preservedStore{
		cap:  capacity,
		byID: make(map[string]*PreservedState, capacity),
	}
}

func (s *preservedStore) put(state *PreservedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[state.ID]; !ok {
		if len(s.order) == s.cap {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.byID, oldest)
		}
		s.order = append(s.order, state.ID)
	}
	s.byID[state.ID] = state
}

func (s *preservedStore) get(id string) (*PreservedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.byID[id]
	return state, ok
}

func (s *preservedStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *preservedStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*PreservedState)
	s.order = nil
}

func (s *preservedStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
