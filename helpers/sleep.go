package helpers

import (
	"context"
	"time"
)

// Sleep blocks for d or until ctx is done.
// Returns false if interrupted.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SleepSteps is Sleep split into steps no longer than step,
// with check() called between steps. Stops early when check returns false.
func SleepSteps(ctx context.Context, d, step time.Duration, check func() bool) bool {
	if step <= 0 {
		step = d
	}
	for d > 0 {
		s := step
		if s > d {
			s = d
		}
		if !Sleep(ctx, s) {
			return false
		}
		d -= s
		if check != nil && !check() {
			return false
		}
	}
	return ctx.Err() == nil
}
