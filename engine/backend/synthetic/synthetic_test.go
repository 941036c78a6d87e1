package synthetic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/kv"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{VocabSize: 50, EntryDim: 6})
	require.NoError(t, err)
	return b
}

func run(t *testing.T, b *Backend, table *kv.BlockTable, kind engine.EntryKind, tokens []int, start, end int) engine.Output {
	t.Helper()
	batch := &engine.Batch{Entries: []engine.BatchEntry{{
		SeqID: "s", Kind: kind, Start: start, End: end, Tokens: tokens[:end], Adapter: engine.NoAdapter{},
	}}}
	outs, err := b.Execute(context.Background(), batch, []engine.CacheHandle{engine.NewCacheHandle("s", table)})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.NoError(t, table.Append(outs[0].KV))
	return outs[0]
}

func TestNew_InvalidConfig_Errors(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{VocabSize: 10, EntryDim: 2})
	assert.Error(t, err)
	_, err = New(Config{VocabSize: 10, BetaCoeffs: []float64{1}})
	assert.Error(t, err)
}

func TestExecute_SplitRangesMatchSinglePrefill(t *testing.T) {
	// GIVEN the same tokens computed once by prefill and once in three pieces
	b := newBackend(t)
	tokens := []int{5, 9, 2, 44, 17, 3, 8}

	whole := kv.NewBlockTable(kv.NewPool(8, 2))
	wholeOut := run(t, b, whole, engine.EntryPrefill, tokens, 0, len(tokens))

	split := kv.NewBlockTable(kv.NewPool(8, 2))
	run(t, b, split, engine.EntryCatchup, tokens, 0, 3)
	run(t, b, split, engine.EntryCatchup, tokens, 3, 6)
	splitOut := run(t, b, split, engine.EntryDecode, tokens, 6, 7)

	// THEN cache content and the final distribution are identical
	assert.Equal(t, whole.Entries(0, len(tokens)), split.Entries(0, len(tokens)))
	assert.Equal(t, wholeOut.Logits, splitOut.Logits)
}

func TestExecute_CatchupEntries_HaveNoLogits(t *testing.T) {
	b := newBackend(t)
	out := run(t, b, kv.NewBlockTable(kv.NewPool(4, 4)), engine.EntryCatchup, []int{1, 2, 3}, 0, 3)
	assert.Nil(t, out.Logits)
	assert.Len(t, out.KV, 3)
}

func TestExecute_LogitsPeakAtPreferredToken(t *testing.T) {
	// GIVEN a prompt
	b := newBackend(t)
	tokens := []int{4, 4, 7}

	// WHEN prefilled
	out := run(t, b, kv.NewBlockTable(kv.NewPool(4, 4)), engine.EntryPrefill, tokens, 0, len(tokens))

	// THEN the peak sits at the token derived from the prefix hash
	want := b.PreferredToken(HashPrefix(engine.NoAdapter{}, tokens))
	assert.Equal(t, float32(10), out.Logits[want])
}

func TestExecute_AdapterChangesContent(t *testing.T) {
	assert.NotEqual(t,
		HashPrefix(engine.NoAdapter{}, []int{1, 2}),
		HashPrefix(engine.LoRAAdapter{Name: "fr"}, []int{1, 2}))
}

func TestExecute_HandleCountMismatch_Errors(t *testing.T) {
	b := newBackend(t)
	batch := &engine.Batch{Entries: []engine.BatchEntry{{SeqID: "s", Kind: engine.EntryPrefill, End: 1, Tokens: []int{1}}}}
	_, err := b.Execute(context.Background(), batch, nil)
	assert.Error(t, err)
}

func TestStepTime_FollowsBetaCoefficients(t *testing.T) {
	// GIVEN beta = [100, 2, 10] microseconds
	b, err := New(Config{VocabSize: 8, BetaCoeffs: []float64{100, 2, 10}})
	require.NoError(t, err)
	batch := &engine.Batch{Entries: []engine.BatchEntry{
		{Kind: engine.EntryPrefill, Start: 0, End: 20},
		{Kind: engine.EntryCatchup, Start: 0, End: 5},
		{Kind: engine.EntryDecode, Start: 9, End: 10},
		{Kind: engine.EntryDecode, Start: 3, End: 4},
	}}

	// THEN step time = 100 + 2*25 + 10*2 = 170us
	assert.Equal(t, 170*time.Microsecond, b.StepTime(batch))
}

func TestExecute_CancelledContext_Errors(t *testing.T) {
	// GIVEN a slow backend and a cancelled context
	b, err := New(Config{VocabSize: 8, BetaCoeffs: []float64{1e6, 0, 0}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	table := kv.NewBlockTable(kv.NewPool(2, 4))
	batch := &engine.Batch{Entries: []engine.BatchEntry{{SeqID: "s", Kind: engine.EntryPrefill, End: 1, Tokens: []int{1}}}}

	// WHEN executed
	_, err = b.Execute(ctx, batch, []engine.CacheHandle{engine.NewCacheHandle("s", table)})

	// THEN the context error surfaces
	assert.ErrorIs(t, err, context.Canceled)
}
