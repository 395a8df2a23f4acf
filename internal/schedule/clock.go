package schedule

import (
	"sort"
	"sync"
	"time"
)

// Clock is time source for schedulers. Tests inject Fake.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake clock only moves on Advance/Set.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	added   chan struct{}
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now, added: make(chan struct{}, 64)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	select {
	case f.added <- struct{}{}:
	default:
	}
	return ch
}

// WaitAfter blocks until some goroutine calls After with positive duration.
func (f *Fake) WaitAfter(timeout time.Duration) bool {
	select {
	case <-f.added:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (f *Fake) Advance(d time.Duration) { f.Set(f.Now().Add(d)) }

// Set jumps clock, may go backwards. Fires all waiters due at new time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	sort.Slice(f.waiters, func(i, j int) bool { return f.waiters[i].at.Before(f.waiters[j].at) })
	keep := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(t) {
			w.ch <- t
		} else {
			keep = append(keep, w)
		}
	}
	f.waiters = keep
}
