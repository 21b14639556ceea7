package shuffle

import (
	"context"
	"strconv"
	"strings"

	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/shardcodec"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// Receive implements spec section 4.6's receive: dedup by producer_id,
// offload decode + regroup by destination output partition, write groups to
// the disk buffer.
//
// Tabular groups are assembled (sorted, concatenated) immediately, since row
// order across producers carries no meaning and the disk buffer need only
// ever hand back a flat byte concatenation. Array groups keep their shard
// framing (sub-index, payload) on disk, since full brick reassembly needs
// every contributing cell's position and can only happen once, lazily, at
// get_output_partition time.
func (r *Run) Receive(ctx context.Context, runID shuffletypes.RunId, payloads []commbuf.Payload) error {
	if err := r.checkRunID(runID); err != nil {
		return err
	}
	if err := r.checkAlive(); err != nil {
		return err
	}

	var fresh []commbuf.Payload
	var newBytes uint64
	r.mu.Lock()
	for _, p := range payloads {
		key := p.ProducerID.Key()
		if r.received[key] {
			continue
		}
		r.received[key] = true
		fresh = append(fresh, p)
		newBytes += uint64(len(p.Bytes))
	}
	r.totalRecvd += newBytes
	r.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if r.metrics != nil {
		r.metrics.RecordShardReceived(int(newBytes))
	}

	r.inflight.Add(1)
	defer r.inflight.Done()

	kind := r.Kind
	result, err := r.offload.Submit(ctx, func() (any, error) {
		byPartition := make(map[string][]shardcodec.Item)
		for _, p := range fresh {
			items, err := shardcodec.DecodeStream(p.Bytes)
			if err != nil {
				return nil, err
			}
			for key, group := range shardcodec.GroupByPartition(items) {
				byPartition[key] = append(byPartition[key], group...)
			}
		}
		groups := make(map[shuffletypes.PartitionId][]byte, len(byPartition))
		for key, items := range byPartition {
			pid, err := parsePartitionKey(kind, key)
			if err != nil {
				return nil, err
			}
			switch kind {
			case shuffletypes.KindTable:
				bytes, err := shardcodec.AssembleTable(items)
				if err != nil {
					return nil, err
				}
				groups[pid] = bytes
			case shuffletypes.KindArray:
				groups[pid] = shardcodec.EncodeBlocks(items)
			}
		}
		return groups, nil
	})
	if err != nil {
		err = shuffleerr.Wrap(shuffleerr.KindDataError, "group received shards", err)
		r.latch(err)
		return err
	}

	groups := result.(map[shuffletypes.PartitionId][]byte)
	if err := r.disk.Write(ctx, groups); err != nil {
		r.latch(err)
		return err
	}
	return nil
}

func parsePartitionKey(kind shuffletypes.DatasetKind, key string) (shuffletypes.PartitionId, error) {
	if kind == shuffletypes.KindTable {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, err
		}
		return shuffletypes.TablePartitionId(n), nil
	}
	parts := strings.Split(key, ",")
	idx := make(shuffletypes.ArrayPartitionId, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		idx[i] = n
	}
	return idx, nil
}
