package snapshot

import (
	"context"
	"time"

	"github.com/forest-chain/forest-archive/archive"
)

// WalkSource builds a fresh export walker plus the tracked head tipset for
// one GC cycle. A BlockIterator is single-use, so the scheduler asks for a
// new one on every tick rather than holding one across cycles. Implemented
// by the surrounding daemon, which owns the graph walker.
type WalkSource func(ctx context.Context) (archive.BlockIterator, archive.TipsetKey, error)

// Scheduler drives the periodic half of the GC trigger: every check
// interval it re-evaluates the GC preconditions via MaybeRun and, when they
// hold, runs a full collapse cycle. A failed cycle is logged and retried on
// the next tick rather than stopping the loop.
type Scheduler struct {
	GC     *GC
	Source WalkSource

	// Interval overrides the configured check interval
	// (GC.Config.GCCheckIntervalSeconds) when positive.
	Interval time.Duration
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	secs := s.GC.Config.GCCheckIntervalSeconds
	if secs <= 0 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Run loops until ctx is cancelled, returning nil on a clean shutdown.
// Cancellation between ticks is immediate; cancellation mid-cycle takes
// effect at the export's next suspension point, and the aborted cycle's
// temp file is cleaned up by Export itself.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	walker, head, err := s.Source(ctx)
	if err != nil {
		log.Warnf("snapshot: gc scheduler: build walker: %v", err)
		return
	}
	if _, err := s.GC.MaybeRun(ctx, walker, head); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warnf("snapshot: gc scheduler: cycle failed, will retry next tick: %v", err)
	}
}
