package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/trace"
)

// Report summarizes one driven workload.
type Report struct {
	Submitted int
	Rejected  int
	Failed    int // accepted but cancelled or errored
	Streamed  int // tokens received by stream consumers
	Wall      time.Duration
	Stats     engine.Stats
}

// Print writes the engine statistics followed by latency percentiles.
func (r Report) Print(w io.Writer) {
	r.Stats.Print(w)
	fmt.Fprintf(w, "Submitted / Rejected : %d / %d\n", r.Submitted, r.Rejected)
	fmt.Fprintf(w, "Failed Streams       : %d\n", r.Failed)
	fmt.Fprintf(w, "Streamed Tokens      : %d\n", r.Streamed)
	if r.Wall > 0 {
		fmt.Fprintf(w, "Wall Time            : %.3fs\n", r.Wall.Seconds())
		fmt.Fprintf(w, "Output Throughput    : %.2f tok/s\n", float64(r.Stats.TotalOutputTokens)/r.Wall.Seconds())
	}
	printDistribution(w, "TTFT", r.Stats.TTFTs)
	printDistribution(w, "E2E Latency", r.Stats.Latencies)
}

// printDistribution prints mean and p50/p90/p99 of values given in seconds.
func printDistribution(w io.Writer, name string, values []float64) {
	if len(values) == 0 {
		return
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	fmt.Fprintf(w, "%-12s (ms)    : mean %.3f, p50 %.3f, p90 %.3f, p99 %.3f\n", name,
		1e3*stat.Mean(sorted, nil),
		1e3*stat.Quantile(0.5, stat.Empirical, sorted, nil),
		1e3*stat.Quantile(0.9, stat.Empirical, sorted, nil),
		1e3*stat.Quantile(0.99, stat.Empirical, sorted, nil))
}

// printTraceSummary writes the aggregate of a decision trace.
func printTraceSummary(w io.Writer, t *trace.EngineTrace) {
	s := trace.Summarize(t)
	fmt.Fprintln(w, "=== Decision Trace ===")
	fmt.Fprintf(w, "Admitted / Deferred  : %d / %d\n", s.AdmittedCount, s.DeferredCount)
	paths := make([]string, 0, len(s.AdmissionsByPath))
	for p := range s.AdmissionsByPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(w, "  via %-16s: %d\n", p, s.AdmissionsByPath[p])
	}
	fmt.Fprintf(w, "Preemptions          : %d (%d blocks reclaimed)\n", s.PreemptionCount, s.BlocksReclaimed)
	fmt.Fprintf(w, "Catch-ups            : %d (mean %.1f positions)\n", s.CatchupCount, s.MeanCatchupLen)
	if s.StepsRecorded > 0 {
		fmt.Fprintf(w, "Steps Recorded       : %d (mean %.1f tokens, max %d members)\n", s.StepsRecorded, s.MeanBatchTokens, s.MaxBatchMembers)
	}
}
