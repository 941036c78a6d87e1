package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_SameSeedSameWorkload(t *testing.T) {
	// GIVEN the default spec
	spec := DefaultSpec()
	spec.NumRequests = 20

	// WHEN generated twice
	a, err := Generate(spec)
	require.NoError(t, err)
	b, err := Generate(spec)
	require.NoError(t, err)

	// THEN the items are identical
	assert.Equal(t, a, b)
}

func TestGenerate_RespectsBoundsAndOrder(t *testing.T) {
	spec := DefaultSpec()
	spec.NumRequests = 200
	spec.PriorityClasses = 3
	spec.Adapters = []string{"", "sql"}

	items, err := Generate(spec)
	require.NoError(t, err)

	require.Len(t, items, 200)
	adapters := 0
	for i, it := range items {
		n := len(it.Request.Prompt)
		assert.GreaterOrEqual(t, n, spec.Prompt.Min)
		assert.LessOrEqual(t, n, spec.Prompt.Max)
		assert.GreaterOrEqual(t, it.Request.Sampling.MaxTokens, spec.Output.Min)
		assert.LessOrEqual(t, it.Request.Sampling.MaxTokens, spec.Output.Max)
		assert.GreaterOrEqual(t, it.Request.Priority, 0)
		assert.Less(t, it.Request.Priority, 3)
		for _, tok := range it.Request.Prompt {
			assert.Positive(t, tok)
			assert.Less(t, tok, spec.VocabSize)
		}
		if i > 0 {
			assert.GreaterOrEqual(t, it.Offset, items[i-1].Offset)
		}
		if it.Request.Adapter != nil {
			adapters++
		}
	}
	assert.Positive(t, adapters)
	assert.Less(t, adapters, 200)
}

func TestGenerate_ZeroRateSubmitsAtOnce(t *testing.T) {
	spec := DefaultSpec()
	spec.NumRequests = 5
	spec.Rate = 0

	items, err := Generate(spec)
	require.NoError(t, err)

	for _, it := range items {
		assert.Zero(t, it.Offset)
	}
}

func TestGenerate_PriorityMixDoesNotShiftLengths(t *testing.T) {
	// GIVEN two specs differing only in the priority mix
	plain := DefaultSpec()
	plain.NumRequests = 10
	mixed := plain
	mixed.PriorityClasses = 4

	a, err := Generate(plain)
	require.NoError(t, err)
	b, err := Generate(mixed)
	require.NoError(t, err)

	// THEN prompts are unchanged since each concern has its own RNG stream
	for i := range a {
		assert.Equal(t, a[i].Request.Prompt, b[i].Request.Prompt)
	}
}

func TestGenerate_InvalidSpecs(t *testing.T) {
	cases := map[string]func(*Spec){
		"negative count":  func(s *Spec) { s.NumRequests = -1 },
		"negative rate":   func(s *Spec) { s.Rate = -1 },
		"tiny vocab":      func(s *Spec) { s.VocabSize = 1 },
		"zero prompt min": func(s *Spec) { s.Prompt.Min = 0 },
		"inverted output": func(s *Spec) { s.Output.Max = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := DefaultSpec()
			mutate(&spec)
			_, err := Generate(spec)
			assert.Error(t, err)
		})
	}
}

func TestGaussianSampler_ConstantWhenMinEqualsMax(t *testing.T) {
	s, err := LengthSpec{Mean: 100, StdDev: 50, Min: 7, Max: 7}.Sampler()
	require.NoError(t, err)
	rng := NewPartitionedRNG(1).ForSubsystem(SubsystemLengths)
	for range 10 {
		assert.Equal(t, 7, s.Sample(rng))
	}
}

func TestPartitionedRNG_SubsystemsIsolatedAndCached(t *testing.T) {
	p := NewPartitionedRNG(9)
	assert.Same(t, p.ForSubsystem(SubsystemTokens), p.ForSubsystem(SubsystemTokens))

	q := NewPartitionedRNG(9)
	q.ForSubsystem(SubsystemArrivals).Int63()
	assert.Equal(t, NewPartitionedRNG(9).ForSubsystem(SubsystemTokens).Int63(), q.ForSubsystem(SubsystemTokens).Int63())
}
