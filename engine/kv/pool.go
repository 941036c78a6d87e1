// Package kv implements block-structured KV cache storage: a fixed inventory of
// fixed-capacity blocks (Pool) and the per-sequence ordered view over the blocks a
// sequence owns (BlockTable).
//
// The package does pure resource accounting. It knows nothing about sequences,
// scheduling or eviction; those live in the engine package.
package kv

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfCache is returned when the pool cannot satisfy a reservation in full.
var ErrOutOfCache = errors.New("out of KV cache blocks")

// BlockID identifies a block within its Pool.
type BlockID int

// KVEntry is the opaque per-position payload produced by the execution backend.
// The cache never interprets it.
type KVEntry []float32

// Block is a unit of KV cache storage holding up to BlockSize positions.
type Block struct {
	ID      BlockID
	InUse   bool      // Whether the block is currently reserved by an owner
	Entries []KVEntry // Committed positions; full if len(Entries) == BlockSize

	prevFree *Block // free list: previous free block
	nextFree *Block // free list: next free block
}

// Pool is the global block inventory. All mutations serialize through mu; the pool is
// the sole source of truth for capacity accounting.
type Pool struct {
	mu        sync.Mutex
	blockSize int
	blocks    []*Block
	freeHead  *Block
	freeTail  *Block
	used      int // tracked incrementally
}

// NewPool creates a pool of totalBlocks blocks, each holding blockSize positions.
// All blocks start on the free list in ID order.
func NewPool(totalBlocks, blockSize int) *Pool {
	if totalBlocks <= 0 {
		panic(fmt.Sprintf("kv.Pool: totalBlocks must be > 0, got %d", totalBlocks))
	}
	if blockSize <= 0 {
		panic(fmt.Sprintf("kv.Pool: blockSize must be > 0, got %d", blockSize))
	}
	p := &Pool{
		blockSize: blockSize,
		blocks:    make([]*Block, totalBlocks),
	}
	for i := 0; i < totalBlocks; i++ {
		blk := &Block{ID: BlockID(i)}
		p.blocks[i] = blk
		p.appendToFreeList(blk)
	}
	return p
}

// appendToFreeList inserts a block at the tail of the free list.
func (p *Pool) appendToFreeList(block *Block) {
	block.nextFree = nil
	// either both head and tail are nil, or neither is
	if p.freeTail != nil {
		p.freeTail.nextFree = block
		block.prevFree = p.freeTail
		p.freeTail = block
	} else {
		p.freeHead = block
		p.freeTail = block
		block.prevFree = nil
	}
}

// popFreeBlock detaches the head of the free list and clears its content.
func (p *Pool) popFreeBlock() *Block {
	head := p.freeHead
	if head == nil {
		return nil
	}
	p.freeHead = head.nextFree
	if p.freeHead != nil {
		p.freeHead.prevFree = nil
	} else {
		p.freeTail = nil
	}
	head.nextFree = nil
	head.prevFree = nil
	head.Entries = nil
	return head
}

// Reserve grants n blocks or none at all.
func (p *Pool) Reserve(n int) ([]BlockID, error) {
	if n < 0 {
		return nil, errors.Errorf("kv.Pool: cannot reserve %d blocks", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > len(p.blocks)-p.used {
		return nil, errors.Wrapf(ErrOutOfCache, "need %d blocks, %d free", n, len(p.blocks)-p.used)
	}
	ids := make([]BlockID, 0, n)
	for i := 0; i < n; i++ {
		blk := p.popFreeBlock()
		blk.InUse = true
		p.used++
		ids = append(ids, blk.ID)
	}
	return ids, nil
}

// Release returns blocks to the pool. Blocks are appended to the free list in
// reverse order so the tail of an owner's table is reused first.
// Releasing a block that is not in use is a double free and panics.
func (p *Pool) Release(ids []BlockID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		blk := p.block(ids[i])
		if !blk.InUse {
			panic(fmt.Sprintf("kv.Pool: double release of block %d", blk.ID))
		}
		blk.InUse = false
		blk.Entries = nil
		p.used--
		p.appendToFreeList(blk)
	}
}

// write stores entries at the tail of a reserved block.
func (p *Pool) write(id BlockID, entries []KVEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blk := p.block(id)
	if !blk.InUse {
		panic(fmt.Sprintf("kv.Pool: write to free block %d", id))
	}
	if len(blk.Entries)+len(entries) > p.blockSize {
		panic(fmt.Sprintf("kv.Pool: block %d overflow (%d + %d > %d)", id, len(blk.Entries), len(entries), p.blockSize))
	}
	blk.Entries = append(blk.Entries, entries...)
}

// read returns a copy of the entries committed to a block.
func (p *Pool) read(id BlockID) []KVEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	blk := p.block(id)
	out := make([]KVEntry, len(blk.Entries))
	copy(out, blk.Entries)
	return out
}

func (p *Pool) block(id BlockID) *Block {
	if int(id) < 0 || int(id) >= len(p.blocks) {
		panic(fmt.Sprintf("kv.Pool: unknown block %d", id))
	}
	return p.blocks[id]
}

// BlockSize returns the number of positions per block.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Total returns the pool capacity in blocks.
func (p *Pool) Total() int {
	return len(p.blocks)
}

// Used returns the number of reserved blocks.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Free returns the number of unreserved blocks.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks) - p.used
}

// CapacityTokens returns the total number of positions the pool can hold.
func (p *Pool) CapacityTokens() int {
	return len(p.blocks) * p.blockSize
}

// BlocksFor returns the number of blocks needed to hold positions entries.
func BlocksFor(positions, blockSize int) int {
	if positions <= 0 {
		return 0
	}
	return (positions + blockSize - 1) / blockSize
}
