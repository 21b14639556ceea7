package schedulerclient

import (
	"context"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/quantarax/p2pshuffle/internal/shuffle"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/worker"
)

var bucketShuffles = []byte("shuffles")

// Bolt is a durable worker.SchedulerClient, grounded on
// daemon/manager/cas_bolt.go's BoltCAS: one bucket, keyed by shuffle id,
// holding the JSON-encoded current record{run_id, spec}. ShuffleGetOrCreate
// is a read-only lookup that returns UnknownShuffle when no record exists;
// records are written only by registration and Supersede, each in its own
// update transaction.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bolt-backed scheduler store at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketShuffles)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error { return b.db.Close() }

// RegisterTableShuffle plans a new tabular shuffle at run_id 1, or is a
// no-op if the id is already registered.
func (b *Bolt) RegisterTableShuffle(id shuffletypes.ShuffleId, spec shuffle.TableSpec) error {
	return b.registerIfAbsent(id, newTableRecord(1, spec))
}

// RegisterArrayShuffle plans a new array-rechunk shuffle at run_id 1, or is
// a no-op if the id is already registered.
func (b *Bolt) RegisterArrayShuffle(id shuffletypes.ShuffleId, spec shuffle.ArraySpec) error {
	return b.registerIfAbsent(id, newArrayRecord(1, spec))
}

func (b *Bolt) registerIfAbsent(id shuffletypes.ShuffleId, rec record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketShuffles)
		if bk.Get([]byte(id)) != nil {
			return nil
		}
		data, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		return bk.Put([]byte(id), data)
	})
}

// Supersede bumps a shuffle's run_id, simulating a scheduler-initiated
// restart (e.g. after detecting a dead worker, spec section 9).
func (b *Bolt) Supersede(id shuffletypes.ShuffleId) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketShuffles)
		data := bk.Get([]byte(id))
		if data == nil {
			return shuffleerr.New(shuffleerr.KindUnknownShuffle, "no such shuffle "+string(id))
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			return err
		}
		rec.RunID++
		out, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		return bk.Put([]byte(id), out)
	})
}

// ShuffleGetOrCreate implements worker.SchedulerClient.
func (b *Bolt) ShuffleGetOrCreate(_ context.Context, id shuffletypes.ShuffleId, _ shuffletypes.DatasetKind, _ shuffletypes.WorkerAddress) (worker.RunSpec, error) {
	var rec record
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketShuffles)
		data := bk.Get([]byte(id))
		if data == nil {
			return shuffleerr.New(shuffleerr.KindUnknownShuffle, "no such shuffle "+string(id))
		}
		var err error
		rec, err = unmarshalRecord(data)
		return err
	})
	if err != nil {
		return worker.RunSpec{}, err
	}
	return rec.toRunSpec(), nil
}
