// Package commbuf implements spec section 4.4: a per-destination-worker
// byte queue with a background flush task, honoring the comms resource
// limiter and issuing the shuffle_receive peer RPC.
//
// Grounded on daemon/transport/chunk_sender.go's ChunkWorkerPool: one
// goroutine per destination reading off a channel, a cancel/shutdown path
// collected with a sync.WaitGroup, and a size-bounded flush threshold in
// place of the teacher's fixed chunk size.
package commbuf

import (
	"context"
	"sync"
	"time"

	"github.com/quantarax/p2pshuffle/internal/limiter"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// Payload is one outbound shard addressed to a single destination worker.
type Payload struct {
	ProducerID shuffletypes.ProducerId
	Bytes      []byte
}

// PeerClient is the RPC surface a Buffer needs from the transport layer.
// internal/rpctransport provides the QUIC-backed implementation; tests use
// an in-process fake.
type PeerClient interface {
	ShuffleReceive(ctx context.Context, dest shuffletypes.WorkerAddress, shuffleID shuffletypes.ShuffleId, runID shuffletypes.RunId, data []Payload) error
}

// FlushThresholdBytes is the default per-destination batch size at which the
// background loop proactively flushes rather than waiting for an explicit
// Flush call.
const FlushThresholdBytes = 2 << 20 // 2 MiB

// OnError is called at most once with the first sticky failure observed;
// the shuffle run uses it to latch its exception field (spec section 4.6).
type OnError func(err error)

// OnRPC is called after every outbound shuffle_receive attempt, successful
// or not, so a caller can record peer RPC metrics without this package
// depending on internal/observability.
type OnRPC func(method string, success bool, durationSeconds float64)

// Buffer is the per-run comm buffer.
type Buffer struct {
	shuffleID shuffletypes.ShuffleId
	runID     shuffletypes.RunId
	peer      PeerClient
	lim       *limiter.Limiter
	onError   OnError
	onRPC     OnRPC

	mu    sync.Mutex
	dests map[shuffletypes.WorkerAddress]*destQueue
	wg    sync.WaitGroup

	totalSent uint64
}

// SetOnRPC installs the peer RPC metrics callback. Optional; nil is a no-op.
func (b *Buffer) SetOnRPC(cb OnRPC) {
	b.mu.Lock()
	b.onRPC = cb
	b.mu.Unlock()
}

type destQueue struct {
	mu      sync.Mutex
	pending []Payload
	bytes   uint64
	signal  chan struct{}
	closed  bool
}

// New creates a comm buffer for one shuffle run.
func New(shuffleID shuffletypes.ShuffleId, runID shuffletypes.RunId, peer PeerClient, lim *limiter.Limiter, onError OnError) *Buffer {
	return &Buffer{
		shuffleID: shuffleID,
		runID:     runID,
		peer:      peer,
		lim:       lim,
		onError:   onError,
		dests:     make(map[shuffletypes.WorkerAddress]*destQueue),
	}
}

// Write accounts sum(sizeof) against the comms limiter (blocking if over
// cap, and meanwhile waking every destination's flush loop so queued bytes
// drain) and appends each payload to its destination's queue, waking the
// background flush loop if the destination crosses the flush threshold.
func (b *Buffer) Write(ctx context.Context, perWorker map[shuffletypes.WorkerAddress][]Payload) error {
	var total uint64
	for _, payloads := range perWorker {
		for _, p := range payloads {
			total += uint64(len(p.Bytes))
		}
	}
	for total > 0 {
		actx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		err := b.lim.Acquire(actx, total)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil || err != context.DeadlineExceeded {
			return shuffleerr.Wrap(shuffleerr.KindPeerFailure, "comms limiter acquire", err)
		}
		// No headroom yet: wake every destination's flush loop so bytes
		// queued below the threshold are sent and their credit released.
		b.mu.Lock()
		for _, dq := range b.dests {
			dq.mu.Lock()
			if !dq.closed {
				nonBlockingSignal(dq.signal)
			}
			dq.mu.Unlock()
		}
		b.mu.Unlock()
	}

	for worker, payloads := range perWorker {
		dq := b.destFor(worker)
		dq.mu.Lock()
		dq.pending = append(dq.pending, payloads...)
		for _, p := range payloads {
			dq.bytes += uint64(len(p.Bytes))
		}
		crossed := dq.bytes >= FlushThresholdBytes
		dq.mu.Unlock()
		if crossed {
			nonBlockingSignal(dq.signal)
		}
	}
	return nil
}

func (b *Buffer) destFor(worker shuffletypes.WorkerAddress) *destQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	dq, ok := b.dests[worker]
	if !ok {
		dq = &destQueue{signal: make(chan struct{}, 1)}
		b.dests[worker] = dq
		b.wg.Add(1)
		go b.flushLoop(worker, dq)
	}
	return dq
}

func nonBlockingSignal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Buffer) flushLoop(worker shuffletypes.WorkerAddress, dq *destQueue) {
	defer b.wg.Done()
	for range dq.signal {
		b.drain(context.Background(), worker, dq)
		dq.mu.Lock()
		done := dq.closed && len(dq.pending) == 0
		dq.mu.Unlock()
		if done {
			return
		}
	}
	// Channel closed: perform one final drain in case a Flush raced the close.
	b.drain(context.Background(), worker, dq)
}

func (b *Buffer) drain(ctx context.Context, worker shuffletypes.WorkerAddress, dq *destQueue) {
	dq.mu.Lock()
	batch := dq.pending
	n := dq.bytes
	dq.pending = nil
	dq.bytes = 0
	dq.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	err := b.peer.ShuffleReceive(ctx, worker, b.shuffleID, b.runID, batch)
	b.mu.Lock()
	onRPC := b.onRPC
	b.mu.Unlock()
	if onRPC != nil {
		onRPC("shuffle_receive", err == nil, time.Since(start).Seconds())
	}
	if err != nil && b.onError != nil {
		if shuffleerr.Is(err, shuffleerr.KindStaleRun) {
			// Preserve the peer's StaleRun signal as-is (rather than collapsing
			// it into a generic PeerFailure) so the run can broadcast
			// shuffle_fail, per spec section 7.
			b.onError(err)
		} else {
			b.onError(shuffleerr.Wrap(shuffleerr.KindPeerFailure, "shuffle_receive to "+string(worker), err))
		}
		// Credit is still released: the bytes are no longer buffered locally
		// regardless of whether the peer accepted them: a failed RPC latches
		// the run's sticky exception, which prevents any further add_partition.
	}
	b.lim.Release(n)
	b.mu.Lock()
	b.totalSent += n
	b.mu.Unlock()
}

// Flush triggers an immediate drain of every destination and blocks until
// all of them have been asked to send; it does not wait for in-flight RPCs
// issued by a concurrent flushLoop iteration to complete (Close does).
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	dests := make(map[shuffletypes.WorkerAddress]*destQueue, len(b.dests))
	for k, v := range b.dests {
		dests[k] = v
	}
	b.mu.Unlock()
	for worker, dq := range dests {
		b.drain(ctx, worker, dq)
	}
}

// TotalSent returns the cumulative bytes handed to ShuffleReceive calls that
// returned successfully plus those that were attempted (wire-byte count),
// matching the run's total_sent counter semantics of spec section 3.
func (b *Buffer) TotalSent() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalSent
}

// Close flushes every destination, signals all flush loops to exit, and
// waits for them to drain.
func (b *Buffer) Close(ctx context.Context) {
	b.Flush(ctx)
	b.mu.Lock()
	dests := make([]*destQueue, 0, len(b.dests))
	for _, dq := range b.dests {
		dq.mu.Lock()
		dq.closed = true
		dq.mu.Unlock()
		close(dq.signal)
		dests = append(dests, dq)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
