// Package diskbuf implements spec section 4.5: a per-output-partition
// append-only file under a run's scratch directory, honoring the disk
// resource limiter.
//
// Grounded on internal/chunker.ReadChunk/Chunker's direct os.Open/os.Seek
// file handling, and on daemon/manager/bitmap.go's per-session scratch
// bookkeeping -- but writing straight to the filesystem (one real file per
// partition key) rather than through a KV store, since spec section 4.5
// calls for "append-only file", and the teacher's own chunker package
// already establishes that pattern for this domain.
package diskbuf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quantarax/p2pshuffle/internal/limiter"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// Buffer owns the on-disk scratch files for one shuffle run.
type Buffer struct {
	dir     string
	lim     *limiter.Limiter
	mu      sync.Mutex
	keyLock map[string]*sync.Mutex // per-key write serialization
	known   map[string]bool        // which keys have ever been written
}

// New creates a Buffer rooted at dir, which must already exist (the caller
// -- the shuffle run -- creates it at construction per spec section 3's
// "directory (scratch path)" field).
func New(dir string, lim *limiter.Limiter) *Buffer {
	return &Buffer{
		dir:     dir,
		lim:     lim,
		keyLock: make(map[string]*sync.Mutex),
		known:   make(map[string]bool),
	}
}

func (b *Buffer) lockFor(key string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		b.keyLock[key] = l
	}
	return l
}

func (b *Buffer) path(key string) string {
	return filepath.Join(b.dir, key)
}

// Write appends groups of bytes keyed by output partition id. It accounts
// the total size against the disk limiter (blocking if over cap) before
// touching the filesystem. Concurrent writes to distinct keys proceed in
// parallel; concurrent writes to the same key are serialized, per spec
// section 4.5.
func (b *Buffer) Write(ctx context.Context, groups map[shuffletypes.PartitionId][]byte) error {
	var total uint64
	for _, payload := range groups {
		total += uint64(len(payload))
	}
	if total > 0 {
		if err := b.lim.Acquire(ctx, total); err != nil {
			return shuffleerr.Wrap(shuffleerr.KindPeerFailure, "disk limiter acquire", err)
		}
		defer b.lim.Release(total)
	}

	for pid, payload := range groups {
		key := pid.Key()
		keyLock := b.lockFor(key)
		keyLock.Lock()
		err := appendToFile(b.path(key), payload)
		if err == nil {
			b.mu.Lock()
			b.known[key] = true
			b.mu.Unlock()
		}
		keyLock.Unlock()
		if err != nil {
			return shuffleerr.Wrap(shuffleerr.KindDataError, fmt.Sprintf("disk write partition %s", key), err)
		}
	}
	return nil
}

func appendToFile(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(payload)
	return err
}

// Read returns the full concatenation of bytes written under key. It
// raises shuffleerr.ErrNotFound if the key was never written -- the output
// partition received no contributions.
func (b *Buffer) Read(key shuffletypes.PartitionId) ([]byte, error) {
	b.mu.Lock()
	known := b.known[key.Key()]
	b.mu.Unlock()
	if !known {
		return nil, shuffleerr.ErrNotFound
	}
	data, err := os.ReadFile(b.path(key.Key()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, shuffleerr.ErrNotFound
		}
		return nil, shuffleerr.Wrap(shuffleerr.KindDataError, fmt.Sprintf("disk read partition %s", key.Key()), err)
	}
	return data, nil
}

// Has reports whether key has ever been written, without reading its bytes.
func (b *Buffer) Has(key shuffletypes.PartitionId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.known[key.Key()]
}

// Close deletes the entire scratch subtree for this run.
func (b *Buffer) Close() error {
	return os.RemoveAll(b.dir)
}
