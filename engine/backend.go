package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/inference-sim/inference-engine/engine/kv"
)

// Output is the backend result for one batch entry.
type Output struct {
	// KV holds one entry per position in [Start, End) of the batch entry.
	KV []kv.KVEntry
	// Logits is the next-token distribution after position End-1. Catch-up entries
	// may leave it nil.
	Logits []float32
}

// Backend executes forward passes. Execute receives the batch and one CacheHandle
// per entry (same order) and returns one Output per entry. Any error fails the
// whole batch. When catch-up runs concurrently with the main step, Execute is
// called from two goroutines at once on disjoint sequences.
type Backend interface {
	Execute(ctx context.Context, batch *Batch, handles []CacheHandle) ([]Output, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, batch *Batch, handles []CacheHandle) ([]Output, error)

func (f BackendFunc) Execute(ctx context.Context, batch *Batch, handles []CacheHandle) ([]Output, error) {
	return f(ctx, batch, handles)
}

// execute runs batch on backend and validates the shape of the result. handles must
// be taken under the engine lock when the batch is planned.
func execute(ctx context.Context, backend Backend, batch *Batch, handles []CacheHandle, kind string) ([]Output, error) {
	outs, err := backend.Execute(ctx, batch, handles)
	if err != nil {
		return nil, &BackendExecutionError{Step: batch.Step, Kind: kind, Cause: err}
	}
	if len(outs) != batch.Len() {
		return nil, &BackendExecutionError{Step: batch.Step, Kind: kind,
			Cause: errors.Errorf("got %d outputs for %d entries", len(outs), batch.Len())}
	}
	for i, e := range batch.Entries {
		if len(outs[i].KV) != e.NumTokens() {
			return nil, &BackendExecutionError{Step: batch.Step, Kind: kind,
				Cause: errors.Errorf("entry %s: got %d KV entries for %d positions", e.SeqID, len(outs[i].KV), e.NumTokens())}
		}
		if e.Kind != EntryCatchup && len(outs[i].Logits) == 0 {
			return nil, &BackendExecutionError{Step: batch.Step, Kind: kind,
				Cause: errors.Errorf("entry %s: missing logits", e.SeqID)}
		}
	}
	return outs, nil
}
