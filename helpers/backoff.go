package helpers

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBackoffBase   = 1 * time.Second
	DefaultBackoffMax    = 60 * time.Second
	DefaultBackoffJitter = 1 * time.Second
)

// Limited exponential backoff for retry delays.
// NextDelay(n) = min(Base * 2^n, Max) + random [0, Jitter).
// Jitter is added to every delay, including capped ones, so clients restarted together spread out.
// Backoff does not keep attempt count, callers own it and reset to 0 after success.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

func NewBackoff() *Backoff {
	return &Backoff{
		Base:   DefaultBackoffBase,
		Max:    DefaultBackoffMax,
		Jitter: DefaultBackoffJitter,
		rand:   RandUnix(),
	}
}

// Use scenario:
// for attempt := 0; ; attempt++ {
//   if err := op(); err == nil { break }
//   Sleep(ctx, backoff.NextDelay(attempt))
// }
func (b *Backoff) NextDelay(attempt int) time.Duration {
	return b.Limit(attempt) + b.jitter()
}

// Limit is NextDelay without jitter.
func (b *Backoff) Limit(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		// doubling past max would overflow for large attempts
		if d >= max {
			return max
		}
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// SetRand replaces jitter source, tests use fixed seed.
func (b *Backoff) SetRand(r *rand.Rand) {
	b.mu.Lock()
	b.rand = r
	b.mu.Unlock()
}

func (b *Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rand == nil {
		b.rand = RandUnix()
	}
	return time.Duration(b.rand.Int63n(int64(b.Jitter)))
}
