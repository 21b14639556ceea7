package schedulerclient

import (
	"context"
	"sync"

	"github.com/quantarax/p2pshuffle/internal/shuffle"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/worker"
)

// InMemory is a process-local worker.SchedulerClient, for tests and
// single-process demos where every worker shares one Go heap. It implements
// the same get-or-create-then-supersede semantics as Bolt without touching
// disk.
type InMemory struct {
	mu      sync.Mutex
	records map[shuffletypes.ShuffleId]record
}

// NewInMemory builds an empty scheduler.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[shuffletypes.ShuffleId]record)}
}

// RegisterTableShuffle plans a new tabular shuffle at run_id 1, or is a
// no-op if the id is already registered.
func (s *InMemory) RegisterTableShuffle(id shuffletypes.ShuffleId, spec shuffle.TableSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return
	}
	s.records[id] = newTableRecord(1, spec)
}

// RegisterArrayShuffle plans a new array-rechunk shuffle at run_id 1, or is
// a no-op if the id is already registered.
func (s *InMemory) RegisterArrayShuffle(id shuffletypes.ShuffleId, spec shuffle.ArraySpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return
	}
	s.records[id] = newArrayRecord(1, spec)
}

// Supersede bumps a shuffle's run_id, simulating a scheduler-initiated
// restart (e.g. after detecting a dead worker, spec section 9).
func (s *InMemory) Supersede(id shuffletypes.ShuffleId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return shuffleerr.New(shuffleerr.KindUnknownShuffle, "no such shuffle "+string(id))
	}
	rec.RunID++
	s.records[id] = rec
	return nil
}

// ShuffleGetOrCreate implements worker.SchedulerClient.
func (s *InMemory) ShuffleGetOrCreate(_ context.Context, id shuffletypes.ShuffleId, _ shuffletypes.DatasetKind, _ shuffletypes.WorkerAddress) (worker.RunSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return worker.RunSpec{}, shuffleerr.New(shuffleerr.KindUnknownShuffle, "no such shuffle "+string(id))
	}
	return rec.toRunSpec(), nil
}
