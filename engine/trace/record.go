// Package trace provides decision-trace recording for scheduler analysis.
// This package does not import engine; it stores plain data types.
package trace

// AdmissionRecord captures a single admission decision.
type AdmissionRecord struct {
	SequenceID string
	Step       int
	Admitted   bool
	Path       string // "prefill", "catchup" or "mid-step"; empty when not admitted
	Reason     string
}

// PreemptionRecord captures one eviction.
type PreemptionRecord struct {
	SequenceID  string
	Step        int
	Priority    int
	BlocksFreed int
	Reason      string
}

// CatchupRecord captures a catch-up commit and the step at which the sequence
// rejoins shared decode.
type CatchupRecord struct {
	SequenceID string
	Step       int // step in flight when the commit completed
	JoinStep   int
	Positions  int
}

// BatchRecord captures the composition of one dispatched main batch.
type BatchRecord struct {
	Step     int
	Members  int
	Tokens   int
	Prefill  int
	Decode   int
	Catchups int // catch-up sub-batches dispatched alongside
}
