package kv

import (
	"fmt"

	"github.com/pkg/errors"
)

// BlockTable is one owner's ordered list of blocks. Blocks cover positions
// [0, Len()) contiguously; reserved-but-unfilled blocks only ever sit at the tail.
// A BlockTable is not safe for concurrent use; the engine serializes access.
type BlockTable struct {
	pool   *Pool
	ids    []BlockID
	length int // committed positions
}

// NewBlockTable creates an empty table drawing from pool.
func NewBlockTable(pool *Pool) *BlockTable {
	return &BlockTable{pool: pool}
}

// Len returns the number of committed positions.
func (t *BlockTable) Len() int {
	return t.length
}

// Capacity returns the number of positions the reserved blocks can hold.
func (t *BlockTable) Capacity() int {
	return len(t.ids) * t.pool.blockSize
}

// NumBlocks returns the number of blocks held.
func (t *BlockTable) NumBlocks() int {
	return len(t.ids)
}

// Blocks returns a copy of the owned block IDs in position order.
func (t *BlockTable) Blocks() []BlockID {
	out := make([]BlockID, len(t.ids))
	copy(out, t.ids)
	return out
}

// Shortfall returns how many additional blocks are needed to hold positions more
// entries beyond Len().
func (t *BlockTable) Shortfall(positions int) int {
	need := BlocksFor(t.length+positions, t.pool.blockSize) - len(t.ids)
	if need < 0 {
		return 0
	}
	return need
}

// Grow reserves enough blocks to hold positions more entries. It is all-or-nothing.
func (t *BlockTable) Grow(positions int) error {
	need := t.Shortfall(positions)
	if need == 0 {
		return nil
	}
	ids, err := t.pool.Reserve(need)
	if err != nil {
		return err
	}
	t.ids = append(t.ids, ids...)
	return nil
}

// Append commits entries at positions [Len(), Len()+len(entries)), reserving a new
// block when the tail is full.
func (t *BlockTable) Append(entries []KVEntry) error {
	if err := t.Grow(len(entries)); err != nil {
		return errors.Wrap(err, "appending KV entries")
	}
	bs := t.pool.blockSize
	for len(entries) > 0 {
		blockIdx := t.length / bs
		room := bs - t.length%bs
		n := min(room, len(entries))
		t.pool.write(t.ids[blockIdx], entries[:n])
		t.length += n
		entries = entries[n:]
	}
	return nil
}

// Entries returns the committed entries for positions [start, end).
func (t *BlockTable) Entries(start, end int) []KVEntry {
	if start < 0 || end > t.length || start > end {
		panic(fmt.Sprintf("kv.BlockTable: range [%d, %d) outside [0, %d)", start, end, t.length))
	}
	bs := t.pool.blockSize
	out := make([]KVEntry, 0, end-start)
	for blockIdx := start / bs; blockIdx*bs < end; blockIdx++ {
		entries := t.pool.read(t.ids[blockIdx])
		lo := max(start-blockIdx*bs, 0)
		hi := min(end-blockIdx*bs, len(entries))
		out = append(out, entries[lo:hi]...)
	}
	return out
}

// Release returns every block to the pool and resets the table. It reports how many
// blocks were released; a second call releases nothing.
func (t *BlockTable) Release() int {
	n := len(t.ids)
	if n > 0 {
		t.pool.Release(t.ids)
	}
	t.ids = nil
	t.length = 0
	return n
}
