package trace

// TraceSummary aggregates statistics from an EngineTrace.
type TraceSummary struct {
	AdmittedCount    int
	DeferredCount    int
	PreemptionCount  int
	BlocksReclaimed  int
	CatchupCount     int
	MeanCatchupLen   float64
	StepsRecorded    int
	MeanBatchTokens  float64
	MaxBatchMembers  int
	AdmissionsByPath map[string]int // "prefill" / "catchup" / "mid-step" → count
}

// Summarize computes aggregate statistics from an EngineTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(t *EngineTrace) *TraceSummary {
	summary := &TraceSummary{
		AdmissionsByPath: make(map[string]int),
	}
	if t == nil {
		return summary
	}

	for _, a := range t.Admissions {
		if a.Admitted {
			summary.AdmittedCount++
			summary.AdmissionsByPath[a.Path]++
		} else {
			summary.DeferredCount++
		}
	}

	summary.PreemptionCount = len(t.Preemptions)
	for _, p := range t.Preemptions {
		summary.BlocksReclaimed += p.BlocksFreed
	}

	summary.CatchupCount = len(t.Catchups)
	if len(t.Catchups) > 0 {
		total := 0
		for _, c := range t.Catchups {
			total += c.Positions
		}
		summary.MeanCatchupLen = float64(total) / float64(len(t.Catchups))
	}

	summary.StepsRecorded = len(t.Batches)
	if len(t.Batches) > 0 {
		total := 0
		for _, b := range t.Batches {
			total += b.Tokens
			if b.Members > summary.MaxBatchMembers {
				summary.MaxBatchMembers = b.Members
			}
		}
		summary.MeanBatchTokens = float64(total) / float64(len(t.Batches))
	}

	return summary
}
