package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so that sampling loops and cooldown windows can be
// driven deterministically in tests instead of sleeping on the wall clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the pipeline uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.t.C }
func (rt *realTicker) Stop()               { rt.t.Stop() }

// Fake is a manually advanced Clock for tests. Advance moves the current
// time forward and fires any tickers or After waiters that come due.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake creates a fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- f.now
	} else {
		f.waiters = append(f.waiters, w)
	}
	return w.ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		clock:    f,
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 64),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the fake clock forward, delivering ticks and timer fires in
// chronological order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		// Find the earliest pending event at or before target.
		var earliest time.Time
		found := false
		for _, w := range f.waiters {
			if !w.at.After(target) && (!found || w.at.Before(earliest)) {
				earliest = w.at
				found = true
			}
		}
		for _, t := range f.tickers {
			if t.stopped {
				continue
			}
			if !t.next.After(target) && (!found || t.next.Before(earliest)) {
				earliest = t.next
				found = true
			}
		}
		if !found {
			break
		}

		f.now = earliest
		remaining := f.waiters[:0]
		for _, w := range f.waiters {
			if !w.at.After(f.now) {
				w.ch <- f.now
			} else {
				remaining = append(remaining, w)
			}
		}
		f.waiters = remaining
		for _, t := range f.tickers {
			if t.stopped {
				continue
			}
			for !t.next.After(f.now) {
				select {
				case t.ch <- t.next:
				default:
				}
				t.next = t.next.Add(t.interval)
			}
		}
	}

	f.now = target
	f.mu.Unlock()
}

type fakeTicker struct {
	clock    *Fake
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}
