// Package testutil provides shared fake execution backends for engine tests:
// a scripted backend with caller-chosen tokens, a recorder of batch composition,
// a gate that holds the main step in flight, and a backend that fails on demand.
package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/kv"
)

// Scripted returns one-hot logits for the token chosen by Next. KV entries hold the
// position's token id so tests can inspect cache content.
type Scripted struct {
	Vocab int
	// Next picks the token following e.Tokens[:e.End]. Nil always picks 1.
	Next func(e engine.BatchEntry) int
}

// Execute implements engine.Backend.
func (s *Scripted) Execute(_ context.Context, batch *engine.Batch, _ []engine.CacheHandle) ([]engine.Output, error) {
	outs := make([]engine.Output, batch.Len())
	for i, e := range batch.Entries {
		for pos := e.Start; pos < e.End; pos++ {
			outs[i].KV = append(outs[i].KV, kv.KVEntry{float32(e.Tokens[pos]), float32(pos)})
		}
		if e.Kind == engine.EntryCatchup {
			continue
		}
		next := 1
		if s.Next != nil {
			next = s.Next(e)
		}
		outs[i].Logits = make([]float32, s.Vocab)
		outs[i].Logits[next] = 1
	}
	return outs, nil
}

// EntryLog is the recorded shape of one batch member.
type EntryLog struct {
	SeqID engine.SequenceID
	Kind  engine.EntryKind
	Start int
	End   int
}

// BatchLog is the recorded shape of one Execute call.
type BatchLog struct {
	Step    int
	Entries []EntryLog
}

// Has reports whether the batch contains id with the given kind.
func (b BatchLog) Has(id engine.SequenceID, kind engine.EntryKind) bool {
	return slices.ContainsFunc(b.Entries, func(e EntryLog) bool { return e.SeqID == id && e.Kind == kind })
}

// IsCatchup reports whether the call was a catch-up sub-batch.
func (b BatchLog) IsCatchup() bool {
	return len(b.Entries) > 0 && b.Entries[0].Kind == engine.EntryCatchup
}

// Recorder records every call before delegating to Inner.
type Recorder struct {
	Inner engine.Backend

	mu   sync.Mutex
	logs []BatchLog
}

// Execute implements engine.Backend.
func (r *Recorder) Execute(ctx context.Context, batch *engine.Batch, handles []engine.CacheHandle) ([]engine.Output, error) {
	log := BatchLog{Step: batch.Step}
	for _, e := range batch.Entries {
		log.Entries = append(log.Entries, EntryLog{SeqID: e.SeqID, Kind: e.Kind, Start: e.Start, End: e.End})
	}
	r.mu.Lock()
	r.logs = append(r.logs, log)
	r.mu.Unlock()
	return r.Inner.Execute(ctx, batch, handles)
}

// Logs returns a copy of the recorded calls in call order.
func (r *Recorder) Logs() []BatchLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.logs)
}

// MainBatches returns the recorded main batches in step order.
func (r *Recorder) MainBatches() []BatchLog {
	var out []BatchLog
	for _, l := range r.Logs() {
		if !l.IsCatchup() {
			out = append(out, l)
		}
	}
	return out
}

// FirstStep returns the first step whose main batch contains id with kind, or -1.
func (r *Recorder) FirstStep(id engine.SequenceID, kind engine.EntryKind) int {
	for _, l := range r.MainBatches() {
		if l.Has(id, kind) {
			return l.Step
		}
	}
	return -1
}

// Gate holds main batches (catch-up sub-batches pass through) while armed. Each held
// call is announced on Entered and proceeds once Release is called.
type Gate struct {
	Inner   engine.Backend
	Entered chan int // receives the step of each held main batch

	mu      sync.Mutex
	armed   bool
	release chan struct{}
}

// NewGate creates an unarmed gate.
func NewGate(inner engine.Backend) *Gate {
	return &Gate{Inner: inner, Entered: make(chan int, 16), release: make(chan struct{})}
}

// Arm holds the next main batches until Release.
func (g *Gate) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
}

// Release lets every held batch proceed and disarms the gate.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.armed {
		g.armed = false
		close(g.release)
		g.release = make(chan struct{})
	}
}

// Execute implements engine.Backend.
func (g *Gate) Execute(ctx context.Context, batch *engine.Batch, handles []engine.CacheHandle) ([]engine.Output, error) {
	catchup := batch.Len() > 0 && batch.Entries[0].Kind == engine.EntryCatchup
	g.mu.Lock()
	held := g.armed && !catchup
	release := g.release
	g.mu.Unlock()

	if held {
		g.Entered <- batch.Step
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Inner.Execute(ctx, batch, handles)
}

// ErrInjected is the error returned by Failing.
var ErrInjected = errors.New("injected backend failure")

// Failing fails every call for which Fail returns true and delegates the rest.
type Failing struct {
	Inner engine.Backend
	Fail  func(batch *engine.Batch) bool
}

// Execute implements engine.Backend.
func (f *Failing) Execute(ctx context.Context, batch *engine.Batch, handles []engine.CacheHandle) ([]engine.Output, error) {
	if f.Fail(batch) {
		return nil, errors.Wrapf(ErrInjected, "step %d", batch.Step)
	}
	return f.Inner.Execute(ctx, batch, handles)
}
