package shuffle

import (
	"context"
	"fmt"

	"github.com/quantarax/p2pshuffle/internal/limiter"
	"github.com/quantarax/p2pshuffle/internal/shardcodec"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/splitplan"
)

// ArraySpec is the array-rechunk shuffle specification of spec section 3.
type ArraySpec struct {
	OldAxes       [][]int
	NewAxes       [][]int
	ElemSize      int
	WorkerFor     map[string]shuffletypes.WorkerAddress // keyed by shuffletypes.ArrayPartitionId.Key()
	OutputWorkers []shuffletypes.WorkerAddress
}

// NewArrayRun constructs an array-rechunk shuffle run, computing the full
// per-axis split plan once (spec section 4.2, "computed once per run at
// construction and held immutably").
func NewArrayRun(id shuffletypes.ShuffleId, runID shuffletypes.RunId, local shuffletypes.WorkerAddress, baseDir string, spec ArraySpec, commsLim, diskLim *limiter.Limiter, offload Offloader, peer PeerRPC) (*Run, error) {
	plan, err := splitplan.NewRunPlan(spec.OldAxes, spec.NewAxes)
	if err != nil {
		return nil, fmt.Errorf("shuffle: build split plan: %w", err)
	}
	r, err := newRun(id, runID, local, shuffletypes.KindArray, baseDir, spec.WorkerFor, spec.OutputWorkers, commsLim, diskLim, offload, peer)
	if err != nil {
		return nil, err
	}
	r.array = &spec
	r.plan = plan
	return r, nil
}

func (r *Run) oldBrickShape(pid shuffletypes.ArrayPartitionId) []int {
	shape := make([]int, len(pid))
	for axis, idx := range pid {
		shape[axis] = r.array.OldAxes[axis][idx]
	}
	return shape
}

// AddArrayPartition implements spec section 4.6's add_partition for the
// array flavor: compute every OutputShard this input brick contributes via
// the precomputed split plan, extract each contiguous sub-block, group by
// destination worker, hand to the comm buffer.
func (r *Run) AddArrayPartition(ctx context.Context, runID shuffletypes.RunId, pid shuffletypes.ArrayPartitionId, data []byte) (shuffletypes.RunId, error) {
	if err := r.checkRunID(runID); err != nil {
		return r.RunID, err
	}
	if err := r.requireState(StateAccepting); err != nil {
		return r.RunID, err
	}
	spec := r.array
	brickShape := r.oldBrickShape(pid)

	r.inflight.Add(1)
	defer r.inflight.Done()

	result, err := r.offload.Submit(ctx, func() (any, error) {
		shards, err := r.plan.Shards([]int(pid))
		if err != nil {
			return nil, err
		}
		items := make([]shardcodec.Item, 0, len(shards))
		for _, sh := range shards {
			extracted := splitplan.ExtractBlock(data, brickShape, spec.ElemSize, sh.FromSlices)
			items = append(items, shardcodec.Item{
				PartitionKey: shuffletypes.ArrayPartitionId(sh.NewIndex).Key(),
				SubIndex:     sh.SubIndex,
				Payload:      extracted,
			})
		}
		return groupItemsByWorker(items, r.WorkerFor), nil
	})
	if err != nil {
		r.latch(err)
		r.recordAddPartition(false, 0)
		return r.RunID, err
	}

	grouped := result.(map[shuffletypes.WorkerAddress][]shardcodec.Item)
	payloads := encodePerWorker(grouped, shuffletypes.ProducerId(pid))
	if err := r.comm.Write(ctx, payloads); err != nil {
		r.latch(err)
		r.recordAddPartition(false, bytesOf(payloads))
		return r.RunID, err
	}
	r.recordAddPartition(true, bytesOf(payloads))
	return r.RunID, nil
}
