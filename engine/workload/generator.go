// Package workload generates reproducible synthetic request streams for driving
// the engine: Poisson arrivals, clamped Gaussian prompt and output lengths, a
// priority mix and an optional set of LoRA adapters.
package workload

import (
	"time"

	"github.com/pkg/errors"

	"github.com/inference-sim/inference-engine/engine"
)

// Spec configures a generated workload.
type Spec struct {
	Seed        int64      `yaml:"seed"`
	NumRequests int        `yaml:"num_requests"`
	Rate        float64    `yaml:"rate"` // requests per second; 0 submits all at once
	Prompt      LengthSpec `yaml:"prompt"`
	Output      LengthSpec `yaml:"output"`
	VocabSize   int        `yaml:"vocab_size"`
	// PriorityClasses spreads requests uniformly over priorities [0, n). 0 or 1
	// gives everyone priority 0.
	PriorityClasses int      `yaml:"priority_classes"`
	Adapters        []string `yaml:"adapters"` // LoRA names drawn uniformly; "" means base model
	Temperature     float64  `yaml:"temperature"`
	StopTokens      []int    `yaml:"stop_tokens"`
}

// DefaultSpec mirrors a GuideLLM-style synthetic chat workload.
func DefaultSpec() Spec {
	return Spec{
		Seed:        42,
		NumRequests: 100,
		Rate:        10,
		Prompt:      LengthSpec{Mean: 256, StdDev: 64, Min: 16, Max: 1024},
		Output:      LengthSpec{Mean: 128, StdDev: 32, Min: 1, Max: 512},
		VocabSize:   32000,
	}
}

// Item is one generated request and when to submit it relative to the start of
// the run.
type Item struct {
	Offset  time.Duration
	Request engine.Request
}

// Generate produces spec.NumRequests items in arrival order. The same spec always
// yields the same items.
func Generate(spec Spec) ([]Item, error) {
	if spec.NumRequests < 0 {
		return nil, errors.Errorf("num_requests must be >= 0, got %d", spec.NumRequests)
	}
	if spec.Rate < 0 {
		return nil, errors.Errorf("rate must be >= 0, got %v", spec.Rate)
	}
	if spec.VocabSize < 2 {
		return nil, errors.Errorf("vocab_size must be >= 2, got %d", spec.VocabSize)
	}
	promptLen, err := spec.Prompt.Sampler()
	if err != nil {
		return nil, errors.Wrap(err, "prompt")
	}
	outputLen, err := spec.Output.Sampler()
	if err != nil {
		return nil, errors.Wrap(err, "output")
	}
	var arrivals ArrivalSampler = BurstSampler{}
	if spec.Rate > 0 {
		arrivals = NewPoissonSampler(spec.Rate)
	}

	rng := NewPartitionedRNG(spec.Seed)
	items := make([]Item, 0, spec.NumRequests)
	var clock int64
	for i := 0; i < spec.NumRequests; i++ {
		clock += arrivals.SampleGap(rng.ForSubsystem(SubsystemArrivals))

		prompt := make([]int, promptLen.Sample(rng.ForSubsystem(SubsystemLengths)))
		maxTokens := outputLen.Sample(rng.ForSubsystem(SubsystemLengths))
		tokens := rng.ForSubsystem(SubsystemTokens)
		for j := range prompt {
			// token 0 is left out so it can serve as an end-of-sequence id
			prompt[j] = 1 + tokens.Intn(spec.VocabSize-1)
		}

		req := engine.Request{
			Prompt: prompt,
			Sampling: engine.SamplingConfig{
				Temperature: spec.Temperature,
				MaxTokens:   maxTokens,
				StopTokens:  spec.StopTokens,
			},
		}
		if spec.PriorityClasses > 1 {
			req.Priority = rng.ForSubsystem(SubsystemPriorities).Intn(spec.PriorityClasses)
		}
		if len(spec.Adapters) > 0 {
			if name := spec.Adapters[rng.ForSubsystem(SubsystemAdapters).Intn(len(spec.Adapters))]; name != "" {
				req.Adapter = engine.LoRAAdapter{Name: name}
			}
		}
		if spec.Temperature > 0 {
			seed := spec.Seed + int64(i)
			req.Sampling.Seed = &seed
		}
		items = append(items, Item{Offset: time.Duration(clock) * time.Microsecond, Request: req})
	}
	return items, nil
}
