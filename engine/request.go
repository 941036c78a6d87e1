// Defines the Request submitted by callers and the sampling/adapter configuration
// carried with it. A Request is immutable once submitted; the engine converts it
// 1:1 into a Sequence.

package engine

import (
	"fmt"
	"time"
)

// SamplingConfig controls how the next token is drawn from a distribution and
// when generation stops.
type SamplingConfig struct {
	Temperature float64 // 0 selects greedy decoding
	TopK        int     // 0 disables
	TopP        float64 // 0 or 1 disables
	MinP        float64 // 0 disables
	Seed        *int64  // nil draws from a time-seeded source
	MaxTokens   int     // maximum generated tokens; must be > 0
	StopTokens  []int   // generation stops after emitting any of these
	IgnoreEOS   bool    // do not stop on StopTokens

	FrequencyPenalty float64         // per earlier occurrence in the generated tokens
	PresencePenalty  float64         // once per token present in the generated tokens
	LogitBias        map[int]float32 // added to the logits of the listed token ids
	Logprobs         bool            // stream the log probability of each token
	TopLogprobs      int             // with Logprobs, also stream this many alternatives
}

// Adapter selects per-sequence adapter weights in the backend. The scheduler and
// cache manager never inspect it.
type Adapter interface {
	AdapterName() string
}

// NoAdapter runs the base model.
type NoAdapter struct{}

func (NoAdapter) AdapterName() string { return "" }

// LoRAAdapter selects a single named LoRA adapter.
type LoRAAdapter struct {
	Name string
}

func (a LoRAAdapter) AdapterName() string { return a.Name }

// XLoRAAdapter selects a mixture of adapters gated by a classifier, applied in
// Ordering.
type XLoRAAdapter struct {
	Name     string
	Ordering []string
}

func (a XLoRAAdapter) AdapterName() string { return a.Name }

// Request is an immutable generation request.
type Request struct {
	ID          string // optional; generated when empty
	Prompt      []int  // prompt token ids
	Sampling    SamplingConfig
	ArrivalTime time.Time // zero means "now" at Submit
	Priority    int       // higher = more important
	Adapter     Adapter   // nil means NoAdapter
}

// This method returns a human-readable string representation of a Request.
func (r Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, PromptLen: %d, MaxTokens: %d, Priority: %d)", r.ID, len(r.Prompt), r.Sampling.MaxTokens, r.Priority)
}

// isStop reports whether token terminates generation under this config.
func (c SamplingConfig) isStop(token int) bool {
	if c.IgnoreEOS {
		return false
	}
	for _, s := range c.StopTokens {
		if s == token {
			return true
		}
	}
	return false
}
