package shuffle

import (
	"context"
	"time"

	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// Fail implements the shuffle_fail RPC handler (spec section 4.6): if runID
// matches, latch the exception; a mismatched runID is a stale message and is
// silently ignored. This must run synchronously on the calling goroutine
// (spec.md section 9 supplemented feature 3) so that a peer observes the
// failure before any further RPC from that peer is processed -- callers
// must not `go run.Fail(...)`.
func (r *Run) Fail(runID shuffletypes.RunId, message string) {
	r.mu.Lock()
	if runID != r.RunID {
		r.mu.Unlock()
		return
	}
	firstTime := r.exception == nil
	if firstTime {
		r.exception = shuffleerr.New(shuffleerr.KindPeerFailure, message)
	}
	r.state = StateFailed
	r.mu.Unlock()

	if firstTime && r.metrics != nil {
		r.metrics.RecordRunFailed(shuffleerr.KindPeerFailure.String())
	}
}

// BroadcastFail implements spec section 7's "a StaleRun on one peer triggers
// a shuffle_fail broadcast so that every worker abandons the old run
// promptly": it pushes shuffle_fail out to every other worker in
// output_workers. The caller must already have latched this run's own
// failure via Fail -- BroadcastFail only pushes the failure outward, it
// never applies it locally. Best-effort: a peer that is unreachable will
// independently discover the stale run_id on its own next
// shuffle_get_or_create call, so a broadcast error is not fatal here.
func (r *Run) BroadcastFail(ctx context.Context, runID shuffletypes.RunId, message string) {
	for _, w := range r.OutputWorkers {
		if w == r.LocalAddress {
			continue
		}
		start := time.Now()
		err := r.peer.ShuffleFail(ctx, w, r.ID, runID, message)
		if r.metrics != nil {
			r.metrics.RecordPeerRPC("shuffle_fail", err == nil, time.Since(start).Seconds())
		}
	}
}

// Close implements the end-of-life path of spec section 3's "Lifecycles":
// close disk buffers, await and close the comm buffer, return memory to the
// limiters (handled internally by comm/disk Close), and mark the run closed.
// Idempotent.
func (r *Run) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.state = StateClosed
	r.mu.Unlock()

	r.comm.Close(ctx)
	err := r.disk.Close()
	if r.metrics != nil {
		r.metrics.RecordRunClosed(time.Since(r.startedAt).Seconds())
	}
	return err
}
