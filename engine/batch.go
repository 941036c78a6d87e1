// batch.go
//
// Defines the Batch handed to the execution backend for one forward pass.

package engine

import (
	"fmt"

	"github.com/inference-sim/inference-engine/engine/kv"
)

// EntryKind tags how a batch member contributes to the forward pass.
type EntryKind string

const (
	// EntryPrefill contributes the full prompt and yields the first distribution.
	EntryPrefill EntryKind = "prefill"
	// EntryDecode contributes the single freshly sampled position.
	EntryDecode EntryKind = "decode"
	// EntryCatchup rebuilds [cursor, target) without sampling.
	EntryCatchup EntryKind = "catchup"
)

// BatchEntry is one sequence's contribution to a batch: the half-open position
// range [Start, End) of Tokens to run through the model.
type BatchEntry struct {
	SeqID   SequenceID
	Kind    EntryKind
	Start   int
	End     int
	Tokens  []int   // full token list at dispatch time; positions >= End are absent
	Adapter Adapter // opaque to the scheduler

	seq *Sequence
}

// NumTokens returns the number of positions the entry contributes.
func (e BatchEntry) NumTokens() int { return e.End - e.Start }

// CacheHandle gives the backend read access to the committed KV entries of one
// batch member. Positions [0, Start) are available; the backend returns entries for
// [Start, End) in its Output.
type CacheHandle struct {
	SeqID  SequenceID
	Blocks []kv.BlockID
	table  *kv.BlockTable
}

// NewCacheHandle gives a backend read access to table. The engine builds handles
// itself; backends call this only in their own tests.
func NewCacheHandle(id SequenceID, table *kv.BlockTable) CacheHandle {
	return CacheHandle{SeqID: id, Blocks: table.Blocks(), table: table}
}

// Entries returns committed KV entries for positions [start, end).
func (h CacheHandle) Entries(start, end int) []kv.KVEntry {
	return h.table.Entries(start, end)
}

// Batch represents the group of sequences processed together in one forward pass.
type Batch struct {
	Step    int
	Entries []BatchEntry
}

// NewBatch creates an empty batch for step.
func NewBatch(step int) *Batch {
	return &Batch{Step: step}
}

func (b *Batch) add(seq *Sequence, kind EntryKind, start, end int) {
	tokens := make([]int, end)
	copy(tokens, seq.tokens[:end])
	b.Entries = append(b.Entries, BatchEntry{
		SeqID:   seq.ID,
		Kind:    kind,
		Start:   start,
		End:     end,
		Tokens:  tokens,
		Adapter: seq.Adapter,
		seq:     seq,
	})
}

// Len returns the number of members.
func (b *Batch) Len() int { return len(b.Entries) }

// NumTokens returns the total positions processed.
func (b *Batch) NumTokens() int {
	n := 0
	for _, e := range b.Entries {
		n += e.NumTokens()
	}
	return n
}

// Count returns how many members have the given kind.
func (b *Batch) Count(kind EntryKind) int {
	n := 0
	for _, e := range b.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Contains reports whether id is a member.
func (b *Batch) Contains(id SequenceID) bool {
	for _, e := range b.Entries {
		if e.SeqID == id {
			return true
		}
	}
	return false
}

// Handles returns the cache handles for every member, in entry order.
func (b *Batch) Handles() []CacheHandle {
	out := make([]CacheHandle, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = NewCacheHandle(e.SeqID, e.seq.table)
	}
	return out
}

func (b *Batch) String() string {
	return fmt.Sprintf("Batch: (Step: %d, Members: %d, Tokens: %d, Prefill: %d, Decode: %d, Catchup: %d)",
		b.Step, b.Len(), b.NumTokens(), b.Count(EntryPrefill), b.Count(EntryDecode), b.Count(EntryCatchup))
}
