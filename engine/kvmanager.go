package engine

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-engine/engine/kv"
)

// AllocateOptions controls how CacheManager.Allocate may make room.
type AllocateOptions struct {
	// AllowEviction lets Allocate preempt Decode sequences when the pool is short.
	AllowEviction bool
	// Exclude holds sequences already placed in the batch being planned; they are
	// never chosen as victims.
	Exclude map[SequenceID]bool
	// Eligible further restricts victims when non-nil (e.g. strictly lower priority
	// for admission preemption).
	Eligible func(victim *Sequence) bool
}

// CacheSnapshot is a consistent view of cache availability.
type CacheSnapshot struct {
	TotalBlocks int
	UsedBlocks  int
	FreeBlocks  int
	BlockSize   int
	Sequences   map[SequenceID]int // blocks held per sequence
}

// CacheManager allocates, frees and evicts cache blocks per sequence and builds
// catch-up sub-batches. It is not safe for concurrent use: every call is made with
// the engine lock held, which makes the lock the single serialization point for
// allocation and eviction. The pool's own mutex additionally guards block content
// written by catch-up commits while a main step reads other sequences' blocks.
type CacheManager struct {
	pool     *kv.Pool
	eviction EvictionPolicy
	holders  map[SequenceID]*Sequence // sequences holding at least one block
}

// NewCacheManager creates a manager over pool. A nil policy selects
// PriorityLIFOEviction.
func NewCacheManager(pool *kv.Pool, eviction EvictionPolicy) *CacheManager {
	if eviction == nil {
		eviction = &PriorityLIFOEviction{}
	}
	return &CacheManager{
		pool:     pool,
		eviction: eviction,
		holders:  make(map[SequenceID]*Sequence),
	}
}

// Pool returns the underlying block pool.
func (m *CacheManager) Pool() *kv.Pool { return m.pool }

// NewTable creates an empty block table for a new sequence.
func (m *CacheManager) NewTable() *kv.BlockTable { return kv.NewBlockTable(m.pool) }

// Fits reports whether positions could ever be held by one sequence.
func (m *CacheManager) Fits(positions int) bool {
	return kv.BlocksFor(positions, m.pool.BlockSize()) <= m.pool.Total()
}

// Allocate grows seq's table so it can hold tokenCount positions beyond its cursor.
// When the pool is short and opts.AllowEviction is set, victims are evicted one at a
// time in the eviction policy's order until the reservation succeeds. Evicted
// sequences are returned so the caller can requeue them; they stay evicted even
// when the allocation ultimately fails with ErrOutOfCache.
func (m *CacheManager) Allocate(seq *Sequence, tokenCount int, opts AllocateOptions) ([]*Sequence, error) {
	if seq.state.Terminal() {
		return nil, errors.Errorf("allocate for terminal sequence %s", seq.ID)
	}
	need := seq.table.Shortfall(tokenCount)
	if need == 0 {
		return nil, nil
	}

	err := seq.table.Grow(tokenCount)
	if err == nil {
		m.holders[seq.ID] = seq
		return nil, nil
	}
	if !opts.AllowEviction {
		return nil, err
	}

	candidates := m.candidates(seq, opts)
	reclaimable := m.pool.Free()
	for _, c := range candidates {
		reclaimable += c.NumBlocks()
	}
	if reclaimable < need {
		// evicting every candidate would still fall short
		return nil, errors.Wrapf(err, "sequence %s: %d blocks reclaimable", seq.ID, reclaimable)
	}

	var victims []*Sequence
	for _, victim := range m.eviction.Rank(candidates) {
		freed := m.Evict(victim)
		victims = append(victims, victim)
		logrus.Debugf("evicted %s (%d blocks, priority %d) for %s", victim.ID, freed, victim.Priority, seq.ID)
		if err = seq.table.Grow(tokenCount); err == nil {
			m.holders[seq.ID] = seq
			return victims, nil
		}
	}
	return victims, errors.Wrapf(err, "sequence %s: eviction candidates exhausted", seq.ID)
}

// candidates returns Decode sequences holding blocks that may be evicted for seq,
// ordered by arrival for deterministic ranking input.
func (m *CacheManager) candidates(seq *Sequence, opts AllocateOptions) []*Sequence {
	var out []*Sequence
	for id, s := range m.holders {
		if s == seq || s.state != StateDecode || s.inFlight || opts.Exclude[id] {
			continue
		}
		if opts.Eligible != nil && !opts.Eligible(s) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].arrival < out[j].arrival })
	return out
}

// Append commits KV entries for positions [cursor, cursor+len(entries)) and
// advances the cursor. A full tail block is extended transparently; only an
// exhausted pool fails the append, leaving the sequence unchanged.
func (m *CacheManager) Append(seq *Sequence, entries []kv.KVEntry) error {
	if seq.table.Len() != seq.cursor {
		panic("cache manager: table length and cursor diverged for " + string(seq.ID))
	}
	if seq.cursor+len(entries) > len(seq.tokens) {
		return errors.Errorf("sequence %s: %d entries past cursor %d exceed %d tokens", seq.ID, len(entries), seq.cursor, len(seq.tokens))
	}
	if err := seq.table.Append(entries); err != nil {
		return errors.Wrapf(err, "sequence %s", seq.ID)
	}
	m.holders[seq.ID] = seq
	seq.advance(len(entries))
	return nil
}

// Catchup builds the sub-batch that advances seq from its cursor to target. Only the
// missing range [cursor, target) is scheduled; cached positions are never
// recomputed. Capacity must already be allocated for the range.
func (m *CacheManager) Catchup(seq *Sequence, target int) (*Batch, error) {
	if target < seq.cursor || target > len(seq.tokens) {
		return nil, errors.Errorf("sequence %s: catch-up target %d outside [%d, %d]", seq.ID, target, seq.cursor, len(seq.tokens))
	}
	if short := seq.table.Shortfall(target - seq.cursor); short > 0 {
		return nil, errors.Wrapf(ErrOutOfCache, "sequence %s: catch-up to %d short %d blocks", seq.ID, target, short)
	}
	seq.catchupTarget = target
	b := &Batch{}
	b.add(seq, EntryCatchup, seq.cursor, target)
	return b, nil
}

// Evict frees every block of seq, resets its cursor and moves it to Preempted. The
// token list is retained so the sequence can be rebuilt by a full re-prefill. It
// returns the number of blocks freed.
func (m *CacheManager) Evict(seq *Sequence) int {
	seq.mustTransition(StatePreempted)
	freed := seq.table.Release()
	seq.cursor = 0
	seq.preemptions++
	seq.evictedBlocks = freed
	delete(m.holders, seq.ID)
	return freed
}

// Free unconditionally releases seq's blocks. It is idempotent: blocks are
// released exactly once however often it is called. It returns the number of
// blocks freed by this call.
func (m *CacheManager) Free(seq *Sequence) int {
	if seq.released {
		return 0
	}
	seq.released = true
	freed := seq.table.Release()
	seq.cursor = 0
	delete(m.holders, seq.ID)
	return freed
}

// HeldBlocks returns the number of blocks held by all sequences.
func (m *CacheManager) HeldBlocks() int {
	n := 0
	for _, s := range m.holders {
		n += s.NumBlocks()
	}
	return n
}

// Snapshot returns the current availability.
func (m *CacheManager) Snapshot() CacheSnapshot {
	snap := CacheSnapshot{
		TotalBlocks: m.pool.Total(),
		UsedBlocks:  m.pool.Used(),
		BlockSize:   m.pool.BlockSize(),
		Sequences:   make(map[SequenceID]int, len(m.holders)),
	}
	snap.FreeBlocks = snap.TotalBlocks - snap.UsedBlocks
	for id, s := range m.holders {
		snap.Sequences[id] = s.NumBlocks()
	}
	return snap
}
