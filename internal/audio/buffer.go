package audio

import (
	"sync"
)

// FrameRing is a thread-safe bounded buffer of audio frames. When full, the
// oldest frame is dropped: live capture prefers recency over completeness,
// since a stale frame is useless to voice detection.
type FrameRing struct {
	mu      sync.Mutex
	frames  [][]byte
	cap     int
	dropped int64
}

// NewFrameRing creates a ring holding at most capacity frames.
func NewFrameRing(capacity int) *FrameRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameRing{
		frames: make([][]byte, 0, capacity),
		cap:    capacity,
	}
}

// Push appends a frame, evicting the oldest when at capacity. The frame is
// copied so the caller may reuse its slice.
func (r *FrameRing) Push(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == r.cap {
		r.frames = r.frames[1:]
		r.dropped++
	}
	r.frames = append(r.frames, buf)
}

// Pop removes and returns the oldest frame, or nil if the ring is empty.
func (r *FrameRing) Pop() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f
}

// Latest returns the newest frame without removing it, or nil if empty.
func (r *FrameRing) Latest() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

// Len returns the number of buffered frames.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Dropped returns how many frames were evicted unread.
func (r *FrameRing) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear discards all buffered frames.
func (r *FrameRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = r.frames[:0]
}
