package shuffle

import (
	"context"
	"time"

	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"golang.org/x/sync/errgroup"
)

// Barrier implements spec section 4.6's barrier: invoked on exactly one
// worker per shuffle (the task graph's barrier task). It flushes the local
// comm buffer, then broadcasts shuffle_inputs_done to every worker in
// output_workers (processing its own copy locally rather than looping back
// an RPC to itself), fanning out concurrently with errgroup.
func (r *Run) Barrier(ctx context.Context, runID shuffletypes.RunId) error {
	if err := r.checkRunID(runID); err != nil {
		return err
	}
	if err := r.checkAlive(); err != nil {
		return err
	}

	r.comm.Flush(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.OutputWorkers {
		w := w
		if w == r.LocalAddress {
			g.Go(func() error { return r.OnInputsDone(gctx, runID) })
			continue
		}
		g.Go(func() error {
			start := time.Now()
			err := r.peer.ShuffleInputsDone(gctx, w, r.ID, runID)
			if r.metrics != nil {
				r.metrics.RecordPeerRPC("shuffle_inputs_done", err == nil, time.Since(start).Seconds())
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		r.latch(err)
		return err
	}
	return nil
}

// OnInputsDone implements the local handling of shuffle_inputs_done (spec
// section 4.6): flush the comm buffer, await any in-flight offloaded
// add_partition/receive work, then cross into BARRIERED.
func (r *Run) OnInputsDone(ctx context.Context, runID shuffletypes.RunId) error {
	if err := r.checkRunID(runID); err != nil {
		return err
	}
	if err := r.checkAlive(); err != nil {
		return err
	}

	r.comm.Flush(ctx)
	r.inflight.Wait()

	r.mu.Lock()
	r.transferred = true
	r.state = StateBarriered
	r.mu.Unlock()
	return nil
}
