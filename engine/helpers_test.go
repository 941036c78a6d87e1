package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-engine/engine/kv"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(blocks, blockSize int) *CacheManager {
	return NewCacheManager(kv.NewPool(blocks, blockSize), nil)
}

// newTestSeq creates a Waiting sequence whose prompt is 1..promptLen.
func newTestSeq(m *CacheManager, id string, promptLen, priority int, arrival uint64) *Sequence {
	prompt := make([]int, promptLen)
	for i := range prompt {
		prompt[i] = i + 1
	}
	req := Request{
		Prompt:      prompt,
		Priority:    priority,
		Sampling:    SamplingConfig{MaxTokens: 100},
		ArrivalTime: epoch.Add(time.Duration(arrival) * time.Second),
	}
	return newSequence(SequenceID(id), req, arrival, m.NewTable())
}

// positionEntries returns deterministic KV entries for positions [start, end) of tokens.
func positionEntries(tokens []int, start, end int) []kv.KVEntry {
	out := make([]kv.KVEntry, 0, end-start)
	for p := start; p < end; p++ {
		out = append(out, kv.KVEntry{float32(tokens[p]), float32(p)})
	}
	return out
}

// toDecode runs seq through prefill so it holds its prompt plus one sampled token.
func toDecode(t *testing.T, m *CacheManager, seq *Sequence) {
	t.Helper()
	require.NoError(t, seq.transition(StatePrefill))
	_, err := m.Allocate(seq, seq.Len(), AllocateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Append(seq, positionEntries(seq.tokens, 0, seq.Len())))
	require.NoError(t, seq.transition(StateDecode))
	seq.appendToken(7)
}
