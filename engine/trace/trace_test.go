package trace

import (
	"testing"
)

func TestEngineTrace_RecordAdmission_AppendsRecord(t *testing.T) {
	// GIVEN a trace configured for decisions
	et := NewEngineTrace(TraceLevelDecisions)

	// WHEN an admission record is recorded
	et.RecordAdmission(AdmissionRecord{SequenceID: "seq_1", Step: 3, Admitted: true, Path: "prefill"})

	// THEN the trace contains one admission record with correct data
	if len(et.Admissions) != 1 {
		t.Fatalf("expected 1 admission, got %d", len(et.Admissions))
	}
	if et.Admissions[0].SequenceID != "seq_1" {
		t.Errorf("expected sequence ID seq_1, got %s", et.Admissions[0].SequenceID)
	}
	if et.Admissions[0].Step != 3 {
		t.Errorf("expected step 3, got %d", et.Admissions[0].Step)
	}
}

func TestEngineTrace_LevelNone_RecordsNothing(t *testing.T) {
	// GIVEN a disabled trace
	et := NewEngineTrace(TraceLevelNone)

	// WHEN records of every kind are offered
	et.RecordAdmission(AdmissionRecord{SequenceID: "a", Admitted: true})
	et.RecordPreemption(PreemptionRecord{SequenceID: "a"})
	et.RecordCatchup(CatchupRecord{SequenceID: "a"})
	et.RecordBatch(BatchRecord{Step: 1})

	// THEN nothing is kept
	if len(et.Admissions)+len(et.Preemptions)+len(et.Catchups)+len(et.Batches) != 0 {
		t.Error("expected no records at level none")
	}
}

func TestEngineTrace_Decisions_SkipsBatches(t *testing.T) {
	// GIVEN a decisions-level trace
	et := NewEngineTrace(TraceLevelDecisions)

	// WHEN a batch record is offered
	et.RecordBatch(BatchRecord{Step: 1, Members: 2})

	// THEN it is dropped; only the batches level records composition
	if len(et.Batches) != 0 {
		t.Errorf("expected 0 batch records, got %d", len(et.Batches))
	}
}

func TestEngineTrace_NilReceiver_IsSafe(t *testing.T) {
	// GIVEN a nil trace
	var et *EngineTrace

	// WHEN recording
	et.RecordAdmission(AdmissionRecord{SequenceID: "a"})
	et.RecordBatch(BatchRecord{})

	// THEN no panic and Enabled is false
	if et.Enabled() {
		t.Error("nil trace must not be enabled")
	}
}

func TestEngineTrace_MultipleRecords_PreservesOrder(t *testing.T) {
	// GIVEN a trace
	et := NewEngineTrace(TraceLevelBatches)

	// WHEN multiple records are added
	et.RecordPreemption(PreemptionRecord{SequenceID: "s2", Step: 4})
	et.RecordPreemption(PreemptionRecord{SequenceID: "s1", Step: 4})
	et.RecordBatch(BatchRecord{Step: 4})
	et.RecordBatch(BatchRecord{Step: 5})

	// THEN order is preserved
	if et.Preemptions[0].SequenceID != "s2" || et.Preemptions[1].SequenceID != "s1" {
		t.Error("preemption order not preserved")
	}
	if et.Batches[0].Step != 4 || et.Batches[1].Step != 5 {
		t.Error("batch order not preserved")
	}
}

func TestIsValidTraceLevel_ValidLevels(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"none", true},
		{"decisions", true},
		{"batches", true},
		{"", true},
		{"verbose", false},
		{"NONE", false},
	}
	for _, tc := range tests {
		if got := IsValidTraceLevel(tc.level); got != tc.valid {
			t.Errorf("IsValidTraceLevel(%q) = %v, want %v", tc.level, got, tc.valid)
		}
	}
}
