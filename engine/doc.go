// Package engine provides a continuous-batching inference engine whose KV cache
// lives in fixed-size blocks and whose preempted or late-arriving sequences
// rebuild their cache in catch-up sub-batches instead of stalling the decode step.
//
// # Reading Guide
//
// Start with these files to understand the step loop:
//   - sequence.go: Sequence lifecycle (Waiting → Prefill → Decode → Finished, with
//     Preempted and Catchup on the side) and its transition table
//   - scheduler.go: Plan, which keeps decoders growing, evicts under pressure and
//     admits waiting sequences into prefill or catch-up
//   - engine.go and catchup.go: Submit/Poll/Cancel, the Run loop and the commit path
//     that appends KV entries, samples and streams tokens
//
// # Architecture
//
// The engine package owns scheduling and bookkeeping; storage, sampling and model
// execution live in sub-packages:
//   - engine/kv/: block pool and per-sequence block tables
//   - engine/sample/: greedy and temperature samplers
//   - engine/trace/: per-step decision recording and its summary
//   - engine/workload/: synthetic and ShareGPT request streams
//   - engine/backend/synthetic/: a deterministic Backend for tests and the CLI
//
// All scheduling state is guarded by a single engine lock. Backend calls run
// outside it, and commits re-acquire it, so a cancellation requested while a batch
// is in flight takes effect when that batch commits.
//
// # Key Interfaces
//   - Backend: executes a Batch against the cache handles of its members
//   - AdmissionPolicy: orders the wait queue before each admission pass
//   - EvictionPolicy: ranks decode sequences for eviction when the pool is short
package engine
