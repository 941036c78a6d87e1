package workload

import (
	"hash/fnv"
	"math/rand"
)

// RNG subsystems. Each draws from its own stream so changing, say, the priority
// mix never shifts the generated prompt lengths of the same seed.
const (
	SubsystemArrivals   = "arrivals"
	SubsystemLengths    = "lengths"
	SubsystemTokens     = "tokens"
	SubsystemPriorities = "priorities"
	SubsystemAdapters   = "adapters"
)

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
// Derived seed: seed XOR fnv1a64(subsystem).
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a master seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{seed: seed, subsystems: make(map[string]*rand.Rand)}
}

// ForSubsystem returns the cached RNG for name, creating it on first use.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.seed ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
