package engine

import (
	"cmp"
	"fmt"
	"sort"
	"time"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// AdmissionPolicy reorders the wait queue before admission. Called each step to
// determine which sequences are considered first. Implementations sort the slice
// in place using sort.SliceStable for determinism.
type AdmissionPolicy interface {
	OrderQueue(seqs []*Sequence, now time.Time)
}

// FCFSAdmission preserves enqueue order (no-op). Preempted sequences sit at the
// front because the queue prepends them.
type FCFSAdmission struct{}

func (f *FCFSAdmission) OrderQueue(_ []*Sequence, _ time.Time) {}

// PriorityFCFSAdmission sorts by priority class (descending), then arrival order
// (ascending): FIFO within a priority class.
type PriorityFCFSAdmission struct{}

func (p *PriorityFCFSAdmission) OrderQueue(seqs []*Sequence, _ time.Time) {
	sort.SliceStable(seqs, func(i, j int) bool {
		if seqs[i].Priority != seqs[j].Priority {
			return seqs[i].Priority > seqs[j].Priority
		}
		return seqs[i].arrival < seqs[j].arrival
	})
}

// SJFAdmission sorts by token count (ascending, shortest first), then arrival.
// Warning: SJF can starve long prompts under sustained load.
type SJFAdmission struct{}

func (s *SJFAdmission) OrderQueue(seqs []*Sequence, _ time.Time) {
	sort.SliceStable(seqs, func(i, j int) bool {
		if li, lj := seqs[i].Len(), seqs[j].Len(); li != lj {
			return li < lj
		}
		return seqs[i].arrival < seqs[j].arrival
	})
}

// AgingAdmission escalates priority with time spent waiting so low-priority
// sequences are eventually admitted under sustained high-priority load.
// Effective priority: Priority + AgeWeight * seconds waited.
type AgingAdmission struct {
	AgeWeight float64
}

func (a *AgingAdmission) effective(s *Sequence, now time.Time) float64 {
	return float64(s.Priority) + a.AgeWeight*now.Sub(s.arrivalTime).Seconds()
}

func (a *AgingAdmission) OrderQueue(seqs []*Sequence, now time.Time) {
	sort.SliceStable(seqs, func(i, j int) bool {
		ei, ej := a.effective(seqs[i], now), a.effective(seqs[j], now)
		if ei != ej {
			return ei > ej
		}
		return seqs[i].arrival < seqs[j].arrival
	})
}

// EvictionPolicy ranks eviction candidates. Rank returns the candidates in the order
// they should be evicted; the cache manager evicts one at a time from the front
// until enough blocks are free. Implementations must not mutate the sequences.
type EvictionPolicy interface {
	Rank(candidates []*Sequence) []*Sequence
}

// rankBy orders candidates with a binary heap under compare (smallest first).
func rankBy(candidates []*Sequence, compare func(a, b *Sequence) int) []*Sequence {
	h := binaryheap.NewWith(compare)
	for _, c := range candidates {
		h.Push(c)
	}
	out := make([]*Sequence, 0, len(candidates))
	for !h.Empty() {
		s, _ := h.Pop()
		out = append(out, s)
	}
	return out
}

// PriorityLIFOEviction evicts the lowest priority first and, within a class, the
// most recently arrived first.
type PriorityLIFOEviction struct{}

func (p *PriorityLIFOEviction) Rank(candidates []*Sequence) []*Sequence {
	return rankBy(candidates, func(a, b *Sequence) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.arrival, a.arrival)
	})
}

// LIFOEviction ignores priority and evicts the most recently arrived first.
type LIFOEviction struct{}

func (l *LIFOEviction) Rank(candidates []*Sequence) []*Sequence {
	return rankBy(candidates, func(a, b *Sequence) int {
		return cmp.Compare(b.arrival, a.arrival)
	})
}

// LargestFirstEviction evicts the sequence holding the most blocks first, which
// frees space with the fewest victims; ties go to the most recent arrival.
type LargestFirstEviction struct{}

func (l *LargestFirstEviction) Rank(candidates []*Sequence) []*Sequence {
	return rankBy(candidates, func(a, b *Sequence) int {
		if c := cmp.Compare(b.NumBlocks(), a.NumBlocks()); c != 0 {
			return c
		}
		return cmp.Compare(b.arrival, a.arrival)
	})
}

// ValidAdmissionPolicies is the set of recognized admission policy names.
// Shared by Config.Validate() and NewAdmissionPolicy() to avoid duplication.
var ValidAdmissionPolicies = map[string]bool{"": true, "fcfs": true, "priority-fcfs": true, "sjf": true, "aging": true}

// ValidEvictionPolicies is the set of recognized eviction policy names.
var ValidEvictionPolicies = map[string]bool{"": true, "priority-lifo": true, "lifo": true, "largest-first": true}

// DefaultAgeWeight is the aging policy's priority gain per second waited.
const DefaultAgeWeight = 0.1

// NewAdmissionPolicy creates an AdmissionPolicy by name.
// Empty string defaults to PriorityFCFSAdmission. Panics on unrecognized names.
func NewAdmissionPolicy(name string) AdmissionPolicy {
	if !ValidAdmissionPolicies[name] {
		panic(fmt.Sprintf("unknown admission policy %q", name))
	}
	switch name {
	case "fcfs":
		return &FCFSAdmission{}
	case "", "priority-fcfs":
		return &PriorityFCFSAdmission{}
	case "sjf":
		return &SJFAdmission{}
	case "aging":
		return &AgingAdmission{AgeWeight: DefaultAgeWeight}
	default:
		panic(fmt.Sprintf("unhandled admission policy %q", name))
	}
}

// NewEvictionPolicy creates an EvictionPolicy by name.
// Empty string defaults to PriorityLIFOEviction. Panics on unrecognized names.
func NewEvictionPolicy(name string) EvictionPolicy {
	if !ValidEvictionPolicies[name] {
		panic(fmt.Sprintf("unknown eviction policy %q", name))
	}
	switch name {
	case "", "priority-lifo":
		return &PriorityLIFOEviction{}
	case "lifo":
		return &LIFOEviction{}
	case "largest-first":
		return &LargestFirstEviction{}
	default:
		panic(fmt.Sprintf("unhandled eviction policy %q", name))
	}
}
