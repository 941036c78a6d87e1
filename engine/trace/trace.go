package trace

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures admission, preemption and catch-up decisions.
	TraceLevelDecisions TraceLevel = "decisions"
	// TraceLevelBatches additionally captures the composition of every batch.
	TraceLevelBatches TraceLevel = "batches"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	TraceLevelBatches:   true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// EngineTrace collects decision records during an engine run. It is not safe for
// concurrent use; the engine records under its own lock.
type EngineTrace struct {
	Level       TraceLevel
	Admissions  []AdmissionRecord
	Preemptions []PreemptionRecord
	Catchups    []CatchupRecord
	Batches     []BatchRecord
}

// NewEngineTrace creates an EngineTrace ready for recording.
func NewEngineTrace(level TraceLevel) *EngineTrace {
	return &EngineTrace{
		Level:       level,
		Admissions:  make([]AdmissionRecord, 0),
		Preemptions: make([]PreemptionRecord, 0),
		Catchups:    make([]CatchupRecord, 0),
		Batches:     make([]BatchRecord, 0),
	}
}

// Enabled reports whether decisions are recorded. Safe on a nil trace.
func (t *EngineTrace) Enabled() bool {
	return t != nil && t.Level != TraceLevelNone && t.Level != ""
}

// RecordAdmission appends an admission decision record.
func (t *EngineTrace) RecordAdmission(record AdmissionRecord) {
	if t.Enabled() {
		t.Admissions = append(t.Admissions, record)
	}
}

// RecordPreemption appends a preemption record.
func (t *EngineTrace) RecordPreemption(record PreemptionRecord) {
	if t.Enabled() {
		t.Preemptions = append(t.Preemptions, record)
	}
}

// RecordCatchup appends a catch-up commit record.
func (t *EngineTrace) RecordCatchup(record CatchupRecord) {
	if t.Enabled() {
		t.Catchups = append(t.Catchups, record)
	}
}

// RecordBatch appends a batch composition record when the level is TraceLevelBatches.
func (t *EngineTrace) RecordBatch(record BatchRecord) {
	if t != nil && t.Level == TraceLevelBatches {
		t.Batches = append(t.Batches, record)
	}
}
