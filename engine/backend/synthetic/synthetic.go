// Package synthetic provides a deterministic execution backend for tests, demos and
// capacity planning. It never touches real model weights: each position's KV entry
// carries a rolling xxhash of the tokens up to that position (seeded by the adapter
// name), and the next-token distribution peaks at a token derived from that hash.
// Identical token prefixes therefore always produce identical cache content and
// identical greedy continuations, whether computed by prefill, decode or catch-up.
//
// Step time follows the blackbox alpha/beta regression:
// beta0 + beta1*prefillTokens + beta2*decodeTokens microseconds, where catch-up
// positions count as prefill.
package synthetic

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/kv"
)

// hashLanes is the number of float32 lanes holding the 64-bit rolling hash, 16 bits
// per lane so every value is exactly representable.
const hashLanes = 4

// Config parameterizes the synthetic model.
type Config struct {
	VocabSize  int       // logits per distribution (must be > 0)
	EntryDim   int       // float32 values per KV entry; at least hashLanes
	BetaCoeffs []float64 // step time coefficients in microseconds; nil disables delays
	PeakLogit  float32   // logit of the preferred token; others are 0
}

// Backend is a deterministic engine.Backend. It is safe for concurrent use.
type Backend struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates cfg and creates a backend.
func New(cfg Config) (*Backend, error) {
	if cfg.VocabSize <= 0 {
		return nil, errors.Errorf("synthetic: vocab size must be > 0, got %d", cfg.VocabSize)
	}
	if cfg.EntryDim == 0 {
		cfg.EntryDim = hashLanes
	}
	if cfg.EntryDim < hashLanes {
		return nil, errors.Errorf("synthetic: entry dim must be >= %d, got %d", hashLanes, cfg.EntryDim)
	}
	if cfg.BetaCoeffs != nil && len(cfg.BetaCoeffs) < 3 {
		return nil, errors.Errorf("synthetic: need 3 beta coefficients, got %d", len(cfg.BetaCoeffs))
	}
	if cfg.PeakLogit == 0 {
		cfg.PeakLogit = 10
	}
	return &Backend{cfg: cfg, sleep: sleepCtx}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepTime estimates the execution time of batch.
func (b *Backend) StepTime(batch *engine.Batch) time.Duration {
	if b.cfg.BetaCoeffs == nil {
		return 0
	}
	var prefill, decode int
	for _, e := range batch.Entries {
		if e.Kind == engine.EntryDecode {
			decode += e.NumTokens()
		} else {
			prefill += e.NumTokens()
		}
	}
	us := b.cfg.BetaCoeffs[0] + b.cfg.BetaCoeffs[1]*float64(prefill) + b.cfg.BetaCoeffs[2]*float64(decode)
	return time.Duration(us * float64(time.Microsecond))
}

// Execute implements engine.Backend.
func (b *Backend) Execute(ctx context.Context, batch *engine.Batch, handles []engine.CacheHandle) ([]engine.Output, error) {
	if len(handles) != batch.Len() {
		return nil, errors.Errorf("synthetic: %d handles for %d entries", len(handles), batch.Len())
	}
	outs := make([]engine.Output, batch.Len())
	for i, e := range batch.Entries {
		h := seedHash(e.Adapter)
		if e.Start > 0 {
			prev := handles[i].Entries(e.Start-1, e.Start)
			h = decodeHash(prev[0])
		}
		entries := make([]kv.KVEntry, 0, e.NumTokens())
		for pos := e.Start; pos < e.End; pos++ {
			h = Roll(h, e.Tokens[pos])
			entries = append(entries, b.encode(h))
		}
		outs[i].KV = entries
		if e.Kind != engine.EntryCatchup {
			outs[i].Logits = b.logits(h)
		}
	}
	if err := b.sleep(ctx, b.StepTime(batch)); err != nil {
		return nil, err
	}
	return outs, nil
}

func seedHash(a engine.Adapter) uint64 {
	name := ""
	if a != nil {
		name = a.AdapterName()
	}
	return xxhash.Sum64String(name)
}

// Roll extends the rolling hash h with token.
func Roll(h uint64, token int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h)
	binary.LittleEndian.PutUint64(buf[8:], uint64(token))
	return xxhash.Sum64(buf[:])
}

// PreferredToken returns the token the distribution after hash h peaks at.
func (b *Backend) PreferredToken(h uint64) int {
	return int(h % uint64(b.cfg.VocabSize))
}

func (b *Backend) logits(h uint64) []float32 {
	out := make([]float32, b.cfg.VocabSize)
	out[b.PreferredToken(h)] = b.cfg.PeakLogit
	return out
}

func (b *Backend) encode(h uint64) kv.KVEntry {
	entry := make(kv.KVEntry, b.cfg.EntryDim)
	for k := 0; k < hashLanes; k++ {
		entry[k] = float32(uint16(h >> (16 * k)))
	}
	// remaining lanes are filler derived from the hash so entries differ per position
	for k := hashLanes; k < b.cfg.EntryDim; k++ {
		entry[k] = float32(uint16(h>>(k%hashLanes*16))) / 65536
	}
	return entry
}

func decodeHash(entry kv.KVEntry) uint64 {
	var h uint64
	for k := 0; k < hashLanes; k++ {
		h |= uint64(uint16(entry[k])) << (16 * k)
	}
	return h
}

// HashPrefix returns the rolling hash of tokens under adapter, as stored in the KV
// entry of the last position.
func HashPrefix(adapter engine.Adapter, tokens []int) uint64 {
	h := seedHash(adapter)
	for _, t := range tokens {
		h = Roll(h, t)
	}
	return h
}
