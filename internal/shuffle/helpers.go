package shuffle

import (
	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/shardcodec"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// groupItemsByWorker buckets shards by the destination worker that owns
// their target output partition, per spec section 4.6's "offloads splitting
// ... hands resulting per-destination byte blobs to the comm buffer."
func groupItemsByWorker(items []shardcodec.Item, workerFor map[string]shuffletypes.WorkerAddress) map[shuffletypes.WorkerAddress][]shardcodec.Item {
	out := make(map[shuffletypes.WorkerAddress][]shardcodec.Item)
	for _, it := range items {
		w := workerFor[it.PartitionKey]
		out[w] = append(out[w], it)
	}
	return out
}

// encodePerWorker combines every shard destined for a given worker into one
// commbuf.Payload tagged with the producing input partition's id. One
// producer_id maps to exactly one Payload per destination worker, so the
// receiver's received-set dedup (keyed on producer_id) covers every shard in
// that payload atomically.
func encodePerWorker(grouped map[shuffletypes.WorkerAddress][]shardcodec.Item, producerID shuffletypes.ProducerId) map[shuffletypes.WorkerAddress][]commbuf.Payload {
	out := make(map[shuffletypes.WorkerAddress][]commbuf.Payload, len(grouped))
	for w, items := range grouped {
		out[w] = []commbuf.Payload{{ProducerID: producerID, Bytes: shardcodec.EncodeBlocks(items)}}
	}
	return out
}
