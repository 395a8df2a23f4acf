// Package schedule wakes callers on wall clock interval boundaries.
package schedule

import (
	"context"
	"time"

	"github.com/juju/errors"
)

type Aligned struct {
	Clock Clock
}

func NewAligned(c Clock) *Aligned {
	if c == nil {
		c = Real()
	}
	return &Aligned{Clock: c}
}

// NextTick returns first multiple of interval since Unix epoch strictly after now.
// Computed from absolute time each call, so loop overhead never accumulates drift.
func NextTick(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	ns := now.UnixNano()
	i := int64(interval)
	next := (ns/i + 1) * i
	if ns < 0 && ns%i != 0 {
		next -= i
	}
	return time.Unix(0, next).In(now.Location())
}

// WaitNextTick blocks until next aligned tick and returns its time.
// If clock jumped past the tick while sleeping, returns immediately.
// Returns ctx error when canceled.
func (a *Aligned) WaitNextTick(ctx context.Context, interval time.Duration) (time.Time, error) {
	if interval <= 0 {
		return time.Time{}, errors.NotValidf("schedule interval=%v", interval)
	}
	tick := NextTick(a.Clock.Now(), interval)
	for {
		remaining := tick.Sub(a.Clock.Now())
		if remaining <= 0 {
			return tick, nil
		}
		select {
		case <-a.Clock.After(remaining):
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
}
