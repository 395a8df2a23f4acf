package helpers

// Random synchronisation util stash

import (
	"context"

	"github.com/temoto/alive/v2"
)

// AliveContext returns context canceled when a stops.
// Cancel func must be called to release watcher goroutine.
func AliveContext(parent context.Context, a *alive.Alive) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-a.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Go runs f as task of a. Returns false if a is already stopping.
func Go(a *alive.Alive, f func()) bool {
	if !a.Add(1) {
		return false
	}
	go func() {
		defer a.Done()
		f()
	}()
	return true
}
