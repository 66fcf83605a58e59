package coordinator

import (
	"context"
	"log"
	"time"
)

// ProbeFunc reports whether the rate limit has lifted. Probes should be
// cheap: a minimal request against the limited endpoint.
type ProbeFunc func(ctx context.Context) bool

// Watcher is the single dedicated prober for a paused experiment. The
// worker that wins the Pause transition starts one; everyone else just
// waits on the pause flag.
type Watcher struct {
	Coord *Coordinator
	Probe ProbeFunc

	// Base is the delay before the first probe, doubling up to Max.
	Base time.Duration
	Max  time.Duration
}

// Run probes until the limit lifts, the pause clears elsewhere, or ctx
// is canceled. On the first successful probe it resumes the
// coordinator and returns.
func (w *Watcher) Run(ctx context.Context) {
	base := w.Base
	if base <= 0 {
		base = 30 * time.Second
	}
	max := w.Max
	if max <= 0 {
		max = 8 * time.Minute
	}

	interval := base
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if !w.Coord.IsPaused() || w.Coord.ShutdownRequested() {
			return
		}
		if w.Probe(ctx) {
			if _, err := w.Coord.Resume(); err != nil {
				log.Printf("warning: resuming after rate limit: %v", err)
			}
			return
		}
		if interval < max {
			interval = min(interval*2, max)
		}
	}
}
