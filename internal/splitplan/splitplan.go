// Package splitplan implements the pure split-planning functions of spec
// section 4.2: the array rechunk Cartesian-product planner and the tabular
// hash/range worker-assignment helpers.
//
// Grounded on distributed/shuffle/_rechunk.py's split_axes/old_to_new
// algorithm and distributed/shuffle/_shuffle.py's
// get_worker_for_range_sharding / get_worker_for_hash_sharding. Expressed in
// Go as precomputed, immutable per-axis slices plus a lazy Cartesian-product
// iterator, per spec section 9's design note: the dense output-brick map is
// never materialized.
package splitplan

import (
	"fmt"
	"hash/fnv"
)

// Slice is a half-open interval [Start, Stop) along one axis of one input
// brick, expressed in that brick's own local coordinates.
type Slice struct {
	Start, Stop int
}

func (s Slice) Len() int { return s.Stop - s.Start }

// Split is one per-axis record: within a single axis, brick OldChunk
// contributes the local slice Within to new brick NewChunk at position
// SplitIndex along that axis (spec section 3, "Split (arrays)").
type Split struct {
	OldChunk   int
	NewChunk   int
	SplitIndex int
	Within     Slice
}

// AxisPlan holds, for one axis, the list of Splits grouped by old chunk
// index -- AxisPlan[oldChunkIndex] is every Split that old chunk produces,
// sorted by Within.Start (ascending), matching the original's SplitAxes
// ordering.
type AxisPlan [][]Split

// SplitAxes computes the per-axis split plan for rechunking a dimension with
// old brick sizes `old` into new brick sizes `new`. Both describe the same
// total extent; callers are expected to have validated sum(old) == sum(new).
//
// The algorithm walks both tilings left to right simultaneously: at each
// step it advances whichever boundary (old or new) comes first, recording
// the overlap as one Split. This is the single-axis analogue of a merge of
// two sorted cut-point lists.
func SplitAxes(old, new []int) (AxisPlan, error) {
	if len(old) == 0 || len(new) == 0 {
		return nil, fmt.Errorf("splitplan: old and new chunkings must be non-empty")
	}
	oldTotal, newTotal := sum(old), sum(new)
	if oldTotal != newTotal {
		return nil, fmt.Errorf("splitplan: old total %d != new total %d", oldTotal, newTotal)
	}

	plan := make(AxisPlan, len(old))

	oldIdx, newIdx := 0, 0
	oldPos, newPos := 0, 0 // absolute start-of-current-chunk offsets
	splitIndex := make([]int, len(new))

	for oldPos < oldTotal {
		oldEnd := oldPos + old[oldIdx]
		newEnd := newPos + new[newIdx]
		segStart := maxInt(oldPos, newPos)
		segEnd := minInt(oldEnd, newEnd)

		if segEnd > segStart {
			plan[oldIdx] = append(plan[oldIdx], Split{
				OldChunk:   oldIdx,
				NewChunk:   newIdx,
				SplitIndex: splitIndex[newIdx],
				Within:     Slice{Start: segStart - oldPos, Stop: segEnd - oldPos},
			})
			splitIndex[newIdx]++
		}

		if oldEnd <= newEnd {
			oldPos = oldEnd
			oldIdx++
		}
		if newEnd <= oldEnd {
			newPos = newEnd
			newIdx++
		}
	}

	for i := range plan {
		sortSplitsByStart(plan[i])
	}
	return plan, nil
}

func sortSplitsByStart(s []Split) {
	// Splits per old chunk are already produced in increasing Start order by
	// construction (the merge walk is monotonic); this is a defensive
	// insertion sort guarding against future changes to the walk above, not
	// a real sort over unordered input.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Within.Start < s[j-1].Within.Start; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// RunPlan holds the full per-axis split plan for an array rechunk run,
// computed once at run construction and held immutably (spec section 4.2).
type RunPlan struct {
	Axes []AxisPlan
	// newLens[axis][newChunkIndex][splitIndex] is the element length that
	// sub-index `splitIndex` contributes along `axis` to new chunk
	// `newChunkIndex`. Derived once from Axes: the segment boundaries of a
	// Split are shared between its old-chunk and new-chunk view (both are
	// slices of the same absolute-position space), so this length is the
	// same number used for reassembly regardless of which old chunk
	// produced it.
	newLens [][][]int
}

// NewRunPlan computes the per-axis plans for every axis of an n-D rechunk.
func NewRunPlan(oldAxes, newAxes [][]int) (*RunPlan, error) {
	if len(oldAxes) != len(newAxes) {
		return nil, fmt.Errorf("splitplan: axis count mismatch: %d old vs %d new", len(oldAxes), len(newAxes))
	}
	axes := make([]AxisPlan, len(oldAxes))
	newLens := make([][][]int, len(oldAxes))
	for i := range oldAxes {
		ap, err := SplitAxes(oldAxes[i], newAxes[i])
		if err != nil {
			return nil, fmt.Errorf("splitplan: axis %d: %w", i, err)
		}
		axes[i] = ap
		newLens[i] = lensByNewChunk(ap, len(newAxes[i]))
	}
	return &RunPlan{Axes: axes, newLens: newLens}, nil
}

// lensByNewChunk flattens an AxisPlan (organized by old chunk) into
// per-new-chunk, per-split-index segment lengths.
func lensByNewChunk(ap AxisPlan, numNewChunks int) [][]int {
	out := make([][]int, numNewChunks)
	for _, splits := range ap {
		for _, s := range splits {
			for len(out[s.NewChunk]) <= s.SplitIndex {
				out[s.NewChunk] = append(out[s.NewChunk], 0)
			}
			out[s.NewChunk][s.SplitIndex] = s.Within.Len()
		}
	}
	return out
}

// NewChunkShape returns the full shape of new (output) brick newIndex, i.e.
// the sum of segment lengths along every axis.
func (p *RunPlan) NewChunkShape(newIndex []int) []int {
	shape := make([]int, len(p.newLens))
	for axis, idx := range newIndex {
		total := 0
		for _, l := range p.newLens[axis][idx] {
			total += l
		}
		shape[axis] = total
	}
	return shape
}

// Cell is one decoded shard destined for a specific position within an
// output brick's sub-lattice, ready for placement by AssembleBrick. It
// mirrors shardcodec.Item's shape without importing that package, so
// splitplan stays free of a dependency on the wire codec.
type Cell struct {
	SubIndex []int
	Payload  []byte
}

// AssembleBrick reconstructs the dense row-major byte buffer for output
// brick newIndex from its decoded cells, given a fixed-size element layout.
// Each cell's Payload must already be a row-major buffer of its own
// sub-shape (elemSize * product(sub-shape) bytes); AssembleBrick copies it
// into the correct strided region of the full brick using per-axis cell
// shapes derived from the split plan. This is the general n-D generalization
// of spec section 4.3's "concatenate along the axes in row-major recursion."
func (p *RunPlan) AssembleBrick(newIndex []int, cells []Cell, elemSize int) ([]byte, []int, error) {
	numAxes := len(newIndex)
	shape := p.NewChunkShape(newIndex)

	wantCells := 1
	for axis, idx := range newIndex {
		wantCells *= len(p.newLens[axis][idx])
	}
	if wantCells != len(cells) {
		return nil, nil, fmt.Errorf("splitplan: brick %v sub-lattice wants %d cells, got %d", newIndex, wantCells, len(cells))
	}

	total := 1
	for _, s := range shape {
		total *= s
	}
	strides := make([]int, numAxes)
	stride := elemSize
	for a := numAxes - 1; a >= 0; a-- {
		strides[a] = stride
		stride *= shape[a]
	}

	dst := make([]byte, total*elemSize)
	seen := make(map[string]bool, len(cells))
	for _, cell := range cells {
		if len(cell.SubIndex) != numAxes {
			return nil, nil, fmt.Errorf("splitplan: cell sub-index arity %d != %d axes", len(cell.SubIndex), numAxes)
		}
		cellShape := make([]int, numAxes)
		offset := 0
		key := ""
		for axis, splitIdx := range cell.SubIndex {
			if splitIdx < 0 || splitIdx >= len(p.newLens[axis][newIndex[axis]]) {
				return nil, nil, fmt.Errorf("splitplan: cell sub-index %v out of range on axis %d", cell.SubIndex, axis)
			}
			cellShape[axis] = p.newLens[axis][newIndex[axis]][splitIdx]
			for k := 0; k < splitIdx; k++ {
				offset += p.newLens[axis][newIndex[axis]][k] * strides[axis]
			}
			key += fmt.Sprintf("%d,", splitIdx)
		}
		if seen[key] {
			return nil, nil, fmt.Errorf("splitplan: duplicate cell at sub-index %v", cell.SubIndex)
		}
		seen[key] = true

		wantBytes := elemSize
		for _, l := range cellShape {
			wantBytes *= l
		}
		if wantBytes != len(cell.Payload) {
			return nil, nil, fmt.Errorf("splitplan: cell %v payload %d bytes, want %d", cell.SubIndex, len(cell.Payload), wantBytes)
		}

		copyBlock(dst, strides, offset, cell.Payload, cellShape, elemSize, 0)
	}
	return dst, shape, nil
}

// copyBlock recursively copies a dense row-major src buffer of shape
// srcShape into dst at dstOffset using dst's strides, descending one axis
// at a time until the innermost axis, which is a contiguous memcpy.
func copyBlock(dst []byte, dstStrides []int, dstOffset int, src []byte, srcShape []int, elemSize, axis int) {
	if axis == len(srcShape)-1 {
		n := srcShape[axis] * elemSize
		copy(dst[dstOffset:dstOffset+n], src[:n])
		return
	}
	srcRowElems := 1
	for a := axis + 1; a < len(srcShape); a++ {
		srcRowElems *= srcShape[a]
	}
	srcRowBytes := srcRowElems * elemSize
	for i := 0; i < srcShape[axis]; i++ {
		copyBlock(dst, dstStrides, dstOffset+i*dstStrides[axis], src[i*srcRowBytes:(i+1)*srcRowBytes], srcShape, elemSize, axis+1)
	}
}

// ExtractBlock is the producer-side inverse of AssembleBrick: given a full
// input brick's row-major buffer (shape brickShape, fixed element size), it
// extracts the contiguous row-major sub-block described by slices (one
// Slice per axis, in the brick's own local coordinates) and returns it as a
// standalone row-major buffer -- exactly the Payload shape AssembleBrick
// expects on the receiving end.
func ExtractBlock(data []byte, brickShape []int, elemSize int, slices []Slice) []byte {
	numAxes := len(brickShape)
	strides := make([]int, numAxes)
	stride := elemSize
	for a := numAxes - 1; a >= 0; a-- {
		strides[a] = stride
		stride *= brickShape[a]
	}
	outShape := make([]int, numAxes)
	for a, s := range slices {
		outShape[a] = s.Len()
	}
	total := elemSize
	for _, l := range outShape {
		total *= l
	}
	out := make([]byte, total)
	srcOffset := 0
	for a, s := range slices {
		srcOffset += s.Start * strides[a]
	}
	extractRecurse(out, data, strides, srcOffset, outShape, elemSize, 0)
	return out
}

func extractRecurse(dst, src []byte, srcStrides []int, srcOffset int, shape []int, elemSize, axis int) {
	if axis == len(shape)-1 {
		n := shape[axis] * elemSize
		copy(dst[:n], src[srcOffset:srcOffset+n])
		return
	}
	dstRowElems := 1
	for a := axis + 1; a < len(shape); a++ {
		dstRowElems *= shape[a]
	}
	dstRowBytes := dstRowElems * elemSize
	for i := 0; i < shape[axis]; i++ {
		extractRecurse(dst[i*dstRowBytes:(i+1)*dstRowBytes], src, srcStrides, srcOffset+i*srcStrides[axis], shape, elemSize, axis+1)
	}
}

// OutputShard is one contribution an input brick makes to one output brick:
// the destination brick's index tuple, this shard's sub-index position
// within that brick's sub-lattice (per axis), and the n-D slice of the
// input brick to copy.
type OutputShard struct {
	NewIndex   []int
	SubIndex   []int
	FromSlices []Slice
}

// Shards returns every OutputShard that input brick `inputIndex` contributes,
// computed lazily as the Cartesian product of the per-axis Split lists
// indexed by inputIndex[axis]. The dense map across all input bricks is
// never built; only one brick's contribution is materialized at a time.
func (p *RunPlan) Shards(inputIndex []int) ([]OutputShard, error) {
	if len(inputIndex) != len(p.Axes) {
		return nil, fmt.Errorf("splitplan: index has %d axes, plan has %d", len(inputIndex), len(p.Axes))
	}
	perAxis := make([][]Split, len(p.Axes))
	for axis, idx := range inputIndex {
		if idx < 0 || idx >= len(p.Axes[axis]) {
			return nil, fmt.Errorf("splitplan: axis %d index %d out of range", axis, idx)
		}
		perAxis[axis] = p.Axes[axis][idx]
	}

	total := 1
	for _, s := range perAxis {
		total *= len(s)
		if len(s) == 0 {
			return []OutputShard{}, nil
		}
	}

	shards := make([]OutputShard, 0, total)
	combo := make([]int, len(perAxis)) // current index into each axis's split list
	for {
		newIndex := make([]int, len(perAxis))
		subIndex := make([]int, len(perAxis))
		fromSlices := make([]Slice, len(perAxis))
		empty := false
		for axis, c := range combo {
			sp := perAxis[axis][c]
			newIndex[axis] = sp.NewChunk
			subIndex[axis] = sp.SplitIndex
			fromSlices[axis] = sp.Within
			if sp.Within.Len() == 0 {
				empty = true
			}
		}
		// A split whose slice is empty is omitted, per spec section 4.6
		// ("A split whose slice is empty is omitted (not transmitted)").
		if !empty {
			shards = append(shards, OutputShard{NewIndex: newIndex, SubIndex: subIndex, FromSlices: fromSlices})
		}

		// odometer increment
		axis := len(combo) - 1
		for axis >= 0 {
			combo[axis]++
			if combo[axis] < len(perAxis[axis]) {
				break
			}
			combo[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
	return shards, nil
}

// WorkerForRangeSharding implements the tabular "range" assignment function
// of spec section 4.2: worker_index = floor(len(workers) * output_partition
// / npartitions). Ported verbatim from
// distributed/shuffle/_shuffle.py:get_worker_for_range_sharding.
func WorkerForRangeSharding(npartitions, outputPartition int, workers []string) string {
	idx := len(workers) * outputPartition / npartitions
	return workers[idx]
}

// WorkerForHashSharding implements the array "hash" assignment function of
// spec section 4.2: worker_index = hash(ndindex) mod len(workers). The hash
// must be stable across workers for a given run, so it is computed from the
// index tuple's decimal text form via FNV-1a rather than any
// process-specific hash seed.
//
// Ported in spirit from distributed/shuffle/_shuffle.py:get_worker_for_hash_sharding.
func WorkerForHashSharding(ndindex []int, workers []string) string {
	h := fnv.New64a()
	for _, v := range ndindex {
		fmt.Fprintf(h, "%d,", v)
	}
	idx := int(h.Sum64() % uint64(len(workers)))
	return workers[idx]
}

func sum(xs []int) int {
	t := 0
	for _, x := range xs {
		t += x
	}
	return t
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
