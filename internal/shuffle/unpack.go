package shuffle

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantarax/p2pshuffle/internal/shardcodec"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/splitplan"
)

// ErrNotBarriered is returned by GetOutputPartition when the run has not yet
// crossed the barrier. Spec section 8's "barrier monotonicity" property
// requires that this either suspend or fail, never return incomplete data;
// this implementation fails fast rather than blocking, leaving retry policy
// to the caller (the compute engine re-submits the unpack task).
var ErrNotBarriered = errors.New("shuffle: run has not reached barrier")

// Output is the result of GetOutputPartition: raw bytes plus, for array
// partitions, the reassembled brick's shape.
type Output struct {
	Data  []byte
	Shape []int // nil for tabular partitions
}

// GetOutputPartition implements spec section 4.6's get_output_partition.
func (r *Run) GetOutputPartition(ctx context.Context, runID shuffletypes.RunId, j shuffletypes.PartitionId) (Output, error) {
	if err := r.checkRunID(runID); err != nil {
		return Output{}, err
	}
	if err := r.checkAlive(); err != nil {
		return Output{}, err
	}

	r.mu.Lock()
	transferred := r.transferred
	r.mu.Unlock()
	if !transferred {
		return Output{}, ErrNotBarriered
	}

	owner, ok := r.WorkerFor[j.Key()]
	if !ok || owner != r.LocalAddress {
		return Output{}, &shuffleerr.Reschedule{
			Reason: fmt.Sprintf("output partition %s is owned by %q, not local worker %q", j, owner, r.LocalAddress),
		}
	}

	raw, err := r.disk.Read(j)
	if err != nil {
		if !errors.Is(err, shuffleerr.ErrNotFound) {
			return Output{}, err
		}
		if r.Kind == shuffletypes.KindArray {
			return Output{}, shuffleerr.New(shuffleerr.KindDataError,
				fmt.Sprintf("output brick %s received no contributions", j))
		}
		// Tabular: empty-but-schema-correct partition (spec.md section 9
		// supplemented feature 5, ported from _shuffle.py's meta.copy()).
		return Output{Data: nil}, nil
	}

	if r.Kind == shuffletypes.KindTable {
		return Output{Data: raw}, nil
	}

	items, err := shardcodec.DecodeStream(raw)
	if err != nil {
		return Output{}, shuffleerr.Wrap(shuffleerr.KindDataError, "decode output brick "+j.String(), err)
	}
	cells := make([]splitplan.Cell, len(items))
	for i, it := range items {
		cells[i] = splitplan.Cell{SubIndex: it.SubIndex, Payload: it.Payload}
	}
	idx := []int(j.(shuffletypes.ArrayPartitionId))
	data, shape, err := r.plan.AssembleBrick(idx, cells, r.array.ElemSize)
	if err != nil {
		return Output{}, shuffleerr.Wrap(shuffleerr.KindDataError, "assemble output brick "+j.String(), err)
	}
	return Output{Data: data, Shape: shape}, nil
}
