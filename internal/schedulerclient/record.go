// Package schedulerclient implements the client side of spec section 6's
// scheduler RPCs, reduced to the single idempotent call
// worker.SchedulerClient needs: shuffle_get_or_create. A shuffle's
// partition-to-worker assignment is decided once, by whoever plans it
// (RegisterTableShuffle/RegisterArrayShuffle), and from then on every worker's get_or_create call
// returns the same run_id and spec until the shuffle is explicitly
// restarted (Supersede), per spec section 9's note that the scheduler
// interaction is idempotent.
package schedulerclient

import (
	"encoding/json"

	"github.com/quantarax/p2pshuffle/internal/shuffle"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/worker"
)

// tableSpecDTO mirrors shuffle.TableSpec minus HashFn, which is a func and
// cannot be serialized; a restored spec always uses TableSpec's
// identity-mod-N default.
type tableSpecDTO struct {
	Column         string
	NPartitionsOut int
	WorkerFor      map[shuffletypes.TablePartitionId]shuffletypes.WorkerAddress
	OutputWorkers  []shuffletypes.WorkerAddress
}

func toTableDTO(s shuffle.TableSpec) tableSpecDTO {
	return tableSpecDTO{Column: s.Column, NPartitionsOut: s.NPartitionsOut, WorkerFor: s.WorkerFor, OutputWorkers: s.OutputWorkers}
}

func (d tableSpecDTO) toSpec() *shuffle.TableSpec {
	return &shuffle.TableSpec{Column: d.Column, NPartitionsOut: d.NPartitionsOut, WorkerFor: d.WorkerFor, OutputWorkers: d.OutputWorkers}
}

// record is the persisted (or in-memory) form of one shuffle's current
// generation: its run_id and the flavor-specific spec needed to rebuild a
// Run.
type record struct {
	RunID shuffletypes.RunId
	Kind  shuffletypes.DatasetKind
	Table *tableSpecDTO
	Array *shuffle.ArraySpec
}

func newTableRecord(runID shuffletypes.RunId, spec shuffle.TableSpec) record {
	dto := toTableDTO(spec)
	return record{RunID: runID, Kind: shuffletypes.KindTable, Table: &dto}
}

func newArrayRecord(runID shuffletypes.RunId, spec shuffle.ArraySpec) record {
	return record{RunID: runID, Kind: shuffletypes.KindArray, Array: &spec}
}

func (rec record) toRunSpec() worker.RunSpec {
	spec := worker.RunSpec{RunID: rec.RunID, Kind: rec.Kind}
	if rec.Table != nil {
		spec.Table = rec.Table.toSpec()
	}
	if rec.Array != nil {
		spec.Array = rec.Array
	}
	return spec
}

func marshalRecord(rec record) ([]byte, error) { return json.Marshal(rec) }

func unmarshalRecord(data []byte) (record, error) {
	var rec record
	err := json.Unmarshal(data, &rec)
	return rec, err
}
