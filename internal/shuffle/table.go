package shuffle

import (
	"context"
	"strconv"

	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/limiter"
	"github.com/quantarax/p2pshuffle/internal/shardcodec"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// TableRow is one row's hashable column value plus its opaque serialized
// bytes. The on-wire representation of an actual row is out of scope (spec
// section 1): this package treats Payload as an indivisible byte blob.
type TableRow struct {
	Key     int64
	Payload []byte
}

// TableSpec is the tabular shuffle specification of spec section 3.
type TableSpec struct {
	Column         string
	NPartitionsOut int
	// HashFn maps a row's column value to an output partition in
	// [0, NPartitionsOut). Defaults to identity-mod-NPartitionsOut, matching
	// scenario S1's "hash = identity mod 2".
	HashFn        func(key int64) int
	WorkerFor     map[shuffletypes.TablePartitionId]shuffletypes.WorkerAddress
	OutputWorkers []shuffletypes.WorkerAddress
}

func (s TableSpec) hash(key int64) int {
	if s.HashFn != nil {
		return s.HashFn(key)
	}
	m := int64(s.NPartitionsOut)
	h := key % m
	if h < 0 {
		h += m
	}
	return int(h)
}

// NewTableRun constructs a tabular shuffle run.
func NewTableRun(id shuffletypes.ShuffleId, runID shuffletypes.RunId, local shuffletypes.WorkerAddress, baseDir string, spec TableSpec, commsLim, diskLim *limiter.Limiter, offload Offloader, peer PeerRPC) (*Run, error) {
	workerFor := make(map[string]shuffletypes.WorkerAddress, len(spec.WorkerFor))
	for pid, w := range spec.WorkerFor {
		workerFor[pid.Key()] = w
	}
	r, err := newRun(id, runID, local, shuffletypes.KindTable, baseDir, workerFor, spec.OutputWorkers, commsLim, diskLim, offload, peer)
	if err != nil {
		return nil, err
	}
	r.table = &spec
	return r, nil
}

// AddTablePartition implements spec section 4.6's add_partition for the
// tabular flavor: split rows is by destination output partition (hash of
// the configured column), group per destination worker, hand to the comm
// buffer.
func (r *Run) AddTablePartition(ctx context.Context, runID shuffletypes.RunId, pid shuffletypes.TablePartitionId, rows []TableRow) (shuffletypes.RunId, error) {
	if err := r.checkRunID(runID); err != nil {
		return r.RunID, err
	}
	if err := r.requireState(StateAccepting); err != nil {
		return r.RunID, err
	}
	spec := r.table

	r.inflight.Add(1)
	defer r.inflight.Done()

	result, err := r.offload.Submit(ctx, func() (any, error) {
		groups := make(map[int][]byte)
		for _, row := range rows {
			out := spec.hash(row.Key)
			groups[out] = append(groups[out], row.Payload...)
		}
		items := make([]shardcodec.Item, 0, len(groups))
		for out, payload := range groups {
			if len(payload) == 0 {
				continue
			}
			items = append(items, shardcodec.Item{
				PartitionKey: strconv.Itoa(out),
				SubIndex:     []int{int(pid)},
				Payload:      payload,
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
