// Package shuffle implements spec section 4.6: the per-(shuffle_id, run_id)
// state machine wiring the split planner into the comm buffer on the
// producer side, and the comm buffer's inbound shards into the disk buffer
// and output assembly on the consumer side.
//
// Grounded on daemon/manager/session.go's Session type: mutex-protected
// state fields, generalized here from a single TransferState enum to the
// ACCEPTING/TRANSFERRING/BARRIERED/UNPACKING/CLOSED/FAILED states of spec
// section 4.6. Transitions are plain assignments with no transition table;
// the run moves ACCEPTING -> BARRIERED -> CLOSED, or to FAILED, and never
// enters TRANSFERRING or UNPACKING.
package shuffle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/diskbuf"
	"github.com/quantarax/p2pshuffle/internal/limiter"
	"github.com/quantarax/p2pshuffle/internal/observability"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/splitplan"
)

// State is one of the run's lifecycle states (spec section 4.6).
type State int

const (
	StateAccepting State = iota
	StateTransferring
	StateBarriered
	StateUnpacking
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "ACCEPTING"
	case StateTransferring:
		return "TRANSFERRING"
	case StateBarriered:
		return "BARRIERED"
	case StateUnpacking:
		return "UNPACKING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Offloader is the CPU-offload surface a Run needs; internal/worker.OffloadPool
// satisfies it. Kept as an interface here so this package never imports
// internal/worker (which owns Runs), avoiding an import cycle.
type Offloader interface {
	Submit(ctx context.Context, fn func() (any, error)) (any, error)
}

// PeerRPC is the full peer RPC surface a Run needs: shuffle_receive (via
// commbuf.PeerClient) plus shuffle_inputs_done, issued by the barrier task to
// every worker in output_workers, plus shuffle_fail, broadcast on
// supersession/StaleRun so every worker abandons the old run promptly (spec
// section 7).
type PeerRPC interface {
	commbuf.PeerClient
	ShuffleInputsDone(ctx context.Context, dest shuffletypes.WorkerAddress, shuffleID shuffletypes.ShuffleId, runID shuffletypes.RunId) error
	ShuffleFail(ctx context.Context, dest shuffletypes.WorkerAddress, shuffleID shuffletypes.ShuffleId, runID shuffletypes.RunId, message string) error
}

// Run is one attempt (run_id) of one shuffle (shuffle_id) on one worker.
type Run struct {
	ID            shuffletypes.ShuffleId
	RunID         shuffletypes.RunId
	LocalAddress  shuffletypes.WorkerAddress
	Kind          shuffletypes.DatasetKind
	Directory     string
	WorkerFor     map[string]shuffletypes.WorkerAddress
	OutputWorkers []shuffletypes.WorkerAddress

	table *TableSpec
	array *ArraySpec
	plan  *splitplan.RunPlan

	comm    *commbuf.Buffer
	disk    *diskbuf.Buffer
	offload Offloader
	peer    PeerRPC
	metrics *observability.Metrics

	startedAt time.Time

	mu          sync.Mutex
	state       State
	received    map[string]bool
	totalRecvd  uint64
	transferred bool
	exception   error
	closed      bool

	inflight sync.WaitGroup
}

// SetMetrics attaches the process-wide metrics recorder (internal/worker's
// plugin calls this right after construction). Optional; nil is a no-op, so
// tests that build Runs directly never need to wire one.
func (r *Run) SetMetrics(m *observability.Metrics) {
	if m == nil {
		return
	}
	r.metrics = m
	r.comm.SetOnRPC(func(method string, success bool, durationSeconds float64) {
		m.RecordPeerRPC(method, success, durationSeconds)
	})
}

// newRun builds the shared fields; table.go/array.go call this from their
// own constructors after validating their flavor-specific spec.
func newRun(id shuffletypes.ShuffleId, runID shuffletypes.RunId, local shuffletypes.WorkerAddress, kind shuffletypes.DatasetKind, baseDir string, workerFor map[string]shuffletypes.WorkerAddress, outputWorkers []shuffletypes.WorkerAddress, commsLim, diskLim *limiter.Limiter, offload Offloader, peer PeerRPC) (*Run, error) {
	dir := filepath.Join(baseDir, shuffletypes.ScratchDirName(id, runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shuffle: create scratch dir %s: %w", dir, err)
	}
	r := &Run{
		ID:            id,
		RunID:         runID,
		LocalAddress:  local,
		Kind:          kind,
		Directory:     dir,
		WorkerFor:     workerFor,
		OutputWorkers: outputWorkers,
		offload:       offload,
		peer:          peer,
		state:         StateAccepting,
		received:      make(map[string]bool),
	}
	r.disk = diskbuf.New(dir, diskLim)
	r.comm = commbuf.New(id, runID, peer, commsLim, r.latch)
	r.startedAt = time.Now()
	return r, nil
}

// latch records the first sticky failure a run observes (spec section 7,
// "a latched run exception is raised on every subsequent operation"). Wired
// as the comm buffer's OnError callback. A StaleRun observed this way means
// a peer already moved on to a newer run_id than this one -- per spec
// section 7, that triggers a shuffle_fail broadcast so every other worker
// abandons this run promptly too, run in the background so a slow/unreachable
// peer can't block the caller that triggered the latch.
func (r *Run) latch(err error) {
	r.mu.Lock()
	firstTime := r.exception == nil
	if firstTime {
		r.exception = err
		r.state = StateFailed
	}
	runID := r.RunID
	r.mu.Unlock()

	if !firstTime {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordRunFailed(errKindString(err))
	}
	if shuffleerr.Is(err, shuffleerr.KindStaleRun) {
		go r.BroadcastFail(context.Background(), runID, err.Error())
	}
}

// errKindString returns the shuffleerr.Kind name of err's outermost
// *shuffleerr.Error, or "Unknown" if it doesn't carry one -- used only to
// label the RunsFailed metric, not for control flow.
func errKindString(err error) string {
	var se *shuffleerr.Error
	if errors.As(err, &se) {
		return se.Kind.String()
	}
	return "Unknown"
}

// recordAddPartition is the shared RecordAddPartition call site for both
// flavors' add_partition.
func (r *Run) recordAddPartition(success bool, bytesOut int) {
	if r.metrics != nil {
		r.metrics.RecordAddPartition(r.Kind.String(), success, bytesOut)
	}
}

// bytesOf sums the payload bytes handed to the comm buffer by one
// add_partition call, for the RecordAddPartition bytesOut counter.
func bytesOf(perWorker map[shuffletypes.WorkerAddress][]commbuf.Payload) int {
	var n int
	for _, payloads := range perWorker {
		for _, p := range payloads {
			n += len(p.Bytes)
		}
	}
	return n
}

func (r *Run) checkAlive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exception != nil {
		return r.exception
	}
	if r.closed {
		return shuffleerr.New(shuffleerr.KindShuffleClosed, "run is closed")
	}
	return nil
}

// checkRunID rejects any operation tagged with a run_id other than this
// run's own. A lower run_id is genuinely stale; a higher one means the
// worker plugin failed to supersede before routing here, which is itself a
// caller bug, but we raise the same StaleRun kind either way -- the caller
// is never this Run's current run_id.
func (r *Run) checkRunID(runID shuffletypes.RunId) error {
	if runID != r.RunID {
		return shuffleerr.New(shuffleerr.KindStaleRun,
			fmt.Sprintf("run_id %d does not match current run_id %d for shuffle %s", runID, r.RunID, r.ID))
	}
	return nil
}

func (r *Run) requireState(want State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exception != nil {
		return r.exception
	}
	if r.state != want {
		return fmt.Errorf("shuffle: operation requires state %s, run %s/%d is %s", want, r.ID, r.RunID, r.state)
	}
	return nil
}

// State returns the run's current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RunStats is the per-run snapshot exposed over the admin REST surface; no
// Prometheus metric carries it (spec.md section 9 "Supplemented Features"
// heartbeat).
type RunStats struct {
	ShuffleID  shuffletypes.ShuffleId
	RunID      shuffletypes.RunId
	State      string
	TotalSent  uint64
	TotalRecvd uint64
}

// Stats snapshots the run's counters.
func (r *Run) Stats() RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunStats{
		ShuffleID:  r.ID,
		RunID:      r.RunID,
		State:      r.state.String(),
		TotalSent:  r.comm.TotalSent(),
		TotalRecvd: r.totalRecvd,
	}
}
