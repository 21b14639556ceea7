// Package worker implements spec section 4.7: the per-worker registry of
// shuffle runs, RPC routing, and scheduler-backed lazy run creation with
// supersession. Grounded on daemon/manager/store.go's SessionStore: a
// mutex-protected map plus explicit lifecycle methods, rather than the
// teacher's session-per-connection model.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/limiter"
	"github.com/quantarax/p2pshuffle/internal/observability"
	"github.com/quantarax/p2pshuffle/internal/shuffle"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// limiterPollInterval governs how often the comms/disk limiter in-use
// gauges are refreshed, when metrics are enabled.
const limiterPollInterval = 2 * time.Second

// RunSpec is what the scheduler hands back from shuffle_get_or_create: a
// run_id plus the flavor-specific specification needed to construct a Run.
// Exactly one of Table/Array is set, matching Kind.
type RunSpec struct {
	RunID shuffletypes.RunId
	Kind  shuffletypes.DatasetKind
	Table *shuffle.TableSpec
	Array *shuffle.ArraySpec
}

// SchedulerClient is the client-side surface of spec section 6's scheduler
// RPCs, reduced to the single idempotent call a worker plugin needs on the
// lazy-creation path; internal/schedulerclient supplies bolt-backed and
// in-memory implementations.
type SchedulerClient interface {
	ShuffleGetOrCreate(ctx context.Context, id shuffletypes.ShuffleId, kind shuffletypes.DatasetKind, local shuffletypes.WorkerAddress) (RunSpec, error)
}

// Plugin is the worker-local registry of spec section 4.7: owns every live
// Run on this worker, the two process-wide resource limiters, and the CPU
// offload pool, and routes inbound peer RPCs to the right run.
type Plugin struct {
	localAddress shuffletypes.WorkerAddress
	baseDir      string
	scheduler    SchedulerClient
	peer         shuffle.PeerRPC
	commsLimiter *limiter.Limiter
	diskLimiter  *limiter.Limiter
	offload      *OffloadPool
	log          *observability.Logger
	metrics      *observability.Metrics
	runlog       *RunLog // optional, nil unless SetRunLog is called

	mu       sync.Mutex
	shuffles map[shuffletypes.ShuffleId]*shuffle.Run
	closed   bool
	// wg tracks asynchronous closes of superseded runs (spec section 9's
	// "runs set used only to await closure of superseded runs"), plus
	// teardown's own run closes.
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewPlugin constructs a worker plugin. commsLimit/diskLimit are in bytes
// (spec section 4.1 defaults: 100 MiB / 1 GiB); offloadSize <= 0 defaults to
// runtime.NumCPU() (spec section 6). metrics may be nil, in which case every
// Record/Set call throughout this package and internal/shuffle is skipped.
func NewPlugin(local shuffletypes.WorkerAddress, baseDir string, scheduler SchedulerClient, peer shuffle.PeerRPC, commsLimit, diskLimit uint64, offloadSize int, log *observability.Logger, metrics *observability.Metrics) *Plugin {
	p := &Plugin{
		localAddress: local,
		baseDir:      baseDir,
		scheduler:    scheduler,
		peer:         peer,
		commsLimiter: limiter.New(commsLimit),
		diskLimiter:  limiter.New(diskLimit),
		offload:      NewOffloadPool(offloadSize),
		log:          log,
		metrics:      metrics,
		shuffles:     make(map[shuffletypes.ShuffleId]*shuffle.Run),
		stopCh:       make(chan struct{}),
	}
	if metrics != nil {
		p.commsLimiter.SetOnWait(func() { metrics.RecordLimiterWait("comms") })
		p.diskLimiter.SetOnWait(func() { metrics.RecordLimiterWait("disk") })
		go p.pollLimiterGauges()
	}
	return p
}

// pollLimiterGauges refreshes the comms/disk limiter in-use gauges on a
// fixed interval, grounded on daemon/main.go's periodic stats-logging
// ticker, until Teardown closes stopCh.
func (p *Plugin) pollLimiterGauges() {
	ticker := time.NewTicker(limiterPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.metrics.SetLimiterInUse("comms", p.commsLimiter.InUse())
			p.metrics.SetLimiterInUse("disk", p.diskLimiter.InUse())
		case <-p.stopCh:
			return
		}
	}
}

// SetRunLog attaches an optional sqlite-backed run ledger (internal/worker.RunLog)
// for operator introspection and restart recovery. Safe to call at most once,
// before the plugin serves any traffic.
func (p *Plugin) SetRunLog(l *RunLog) {
	p.runlog = l
}

// GetOrCreateShuffle implements spec section 4.7's get_or_create_shuffle.
// It always consults the scheduler, per spec section 9's "scheduler
// interaction is idempotent" -- the scheduler is the source of truth for
// which run_id is current, so a cached run is only reused when the
// scheduler confirms it is still current; a higher run_id in the response
// installs the new run, then fails the old one, broadcasts shuffle_fail for
// it, and closes it asynchronously.
func (p *Plugin) GetOrCreateShuffle(ctx context.Context, id shuffletypes.ShuffleId, kind shuffletypes.DatasetKind) (*shuffle.Run, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, shuffleerr.New(shuffleerr.KindShuffleClosed, "plugin is closed")
	}
	p.mu.Unlock()

	spec, err := p.scheduler.ShuffleGetOrCreate(ctx, id, kind, p.localAddress)
	if err != nil {
		return nil, shuffleerr.Wrap(shuffleerr.KindUnknownShuffle, "shuffle_get_or_create "+string(id), err)
	}

	p.mu.Lock()
	if old, ok := p.shuffles[id]; ok && old.RunID == spec.RunID {
		p.mu.Unlock()
		return old, nil
	}
	p.mu.Unlock()

	run, err := p.buildRun(id, spec)
	if err != nil {
		return nil, err
	}
	run.SetMetrics(p.metrics)

	p.mu.Lock()
	old, hadOld := p.shuffles[id]
	if hadOld && old.RunID >= run.RunID {
		// Lost a race against a concurrent caller that already installed an
		// equal-or-newer run; use what's already there.
		p.mu.Unlock()
		return old, nil
	}
	p.shuffles[id] = run
	p.mu.Unlock()

	if hadOld {
		p.log.RunSuperseded(int64(old.RunID), int64(run.RunID))
		if p.metrics != nil {
			p.metrics.RecordRunSuperseded()
		}
		p.runlog.recordTransition(id, old.Stats())
		msg := fmt.Sprintf("superseded by run_id %d", run.RunID)
		old.Fail(old.RunID, msg)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			old.BroadcastFail(context.Background(), old.RunID, msg)
			_ = old.Close(context.Background())
		}()
	}
	p.log.RunStarted(int64(run.RunID), kind.String())
	if p.metrics != nil {
		p.metrics.RecordRunStarted(kind.String())
	}
	p.runlog.recordTransition(id, run.Stats())
	return run, nil
}

func (p *Plugin) buildRun(id shuffletypes.ShuffleId, spec RunSpec) (*shuffle.Run, error) {
	switch spec.Kind {
	case shuffletypes.KindTable:
		return shuffle.NewTableRun(id, spec.RunID, p.localAddress, p.baseDir, *spec.Table, p.commsLimiter, p.diskLimiter, p.offload, p.peer)
	case shuffletypes.KindArray:
		return shuffle.NewArrayRun(id, spec.RunID, p.localAddress, p.baseDir, *spec.Array, p.commsLimiter, p.diskLimiter, p.offload, p.peer)
	default:
		return nil, shuffleerr.New(shuffleerr.KindUnknownShuffle, "scheduler returned unknown dataset kind")
	}
}

func (p *Plugin) lookup(id shuffletypes.ShuffleId) (*shuffle.Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, shuffleerr.New(shuffleerr.KindShuffleClosed, "plugin is closed")
	}
	run, ok := p.shuffles[id]
	if !ok {
		return nil, shuffleerr.New(shuffleerr.KindUnknownShuffle, "no such shuffle "+string(id))
	}
	return run, nil
}

// RouteReceive dispatches an inbound shuffle_receive RPC to its run.
func (p *Plugin) RouteReceive(ctx context.Context, id shuffletypes.ShuffleId, runID shuffletypes.RunId, data []commbuf.Payload) error {
	run, err := p.lookup(id)
	if err != nil {
		return err
	}
	return run.Receive(ctx, runID, data)
}

// RouteInputsDone dispatches an inbound shuffle_inputs_done RPC. A shuffle
// this worker has not referenced yet is created from the scheduler's spec
// first, the same lazy creation GetOrCreateShuffle gives the producer path.
func (p *Plugin) RouteInputsDone(ctx context.Context, id shuffletypes.ShuffleId, runID shuffletypes.RunId) error {
	run, err := p.lookup(id)
	if shuffleerr.Is(err, shuffleerr.KindUnknownShuffle) {
		run, err = p.GetOrCreateShuffle(ctx, id, 0)
	}
	if err != nil {
		return err
	}
	return run.OnInputsDone(ctx, runID)
}

// RouteFail dispatches an inbound shuffle_fail RPC. Per spec section 4.6,
// this must run synchronously on the caller's goroutine, and an unknown
// shuffle is a silent no-op (it is by definition stale: nothing local
// references it).
func (p *Plugin) RouteFail(id shuffletypes.ShuffleId, runID shuffletypes.RunId, message string) {
	run, err := p.lookup(id)
	if err != nil {
		return
	}
	run.Fail(runID, message)
}

// Heartbeat returns a per-run stats snapshot for every live shuffle on this
// worker, exposed over the admin REST surface; it is not sent to the
// scheduler (spec.md section 9 supplemented feature 1).
func (p *Plugin) Heartbeat() map[shuffletypes.ShuffleId]shuffle.RunStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[shuffletypes.ShuffleId]shuffle.RunStats, len(p.shuffles))
	for id, run := range p.shuffles {
		out[id] = run.Stats()
	}
	return out
}

// Teardown implements spec section 4.7's teardown: flips closed, schedules
// an async close of every live run, waits for all of them (including any
// still-draining superseded runs) to finish, then shuts the limiters and
// offload pool.
func (p *Plugin) Teardown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	runs := make([]*shuffle.Run, 0, len(p.shuffles))
	for _, r := range p.shuffles {
		runs = append(runs, r)
	}
	p.shuffles = make(map[shuffletypes.ShuffleId]*shuffle.Run)
	p.mu.Unlock()

	for _, r := range runs {
		p.wg.Add(1)
		go func(r *shuffle.Run) {
			defer p.wg.Done()
			_ = r.Close(ctx)
		}(r)
	}
	p.wg.Wait()

	p.commsLimiter.Close()
	p.diskLimiter.Close()
	p.offload.Close()
	return nil
}
