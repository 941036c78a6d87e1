package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// schedHarness keeps the running set the way the engine does between plans.
type schedHarness struct {
	m       *CacheManager
	s       *Scheduler
	waitq   *WaitQueue
	running []*Sequence
	step    int
	arrived uint64
	tokens  int
	maxSeqs int
	preempt bool
}

func newSchedHarness(blocks, blockSize, maxTokens, maxSeqs int) *schedHarness {
	return &schedHarness{
		m:       newTestManager(blocks, blockSize),
		s:       NewScheduler(nil),
		waitq:   &WaitQueue{},
		tokens:  maxTokens,
		maxSeqs: maxSeqs,
	}
}

func (h *schedHarness) ctx() StepContext {
	return StepContext{
		Step:                h.step,
		Now:                 epoch,
		Running:             h.running,
		WaitQ:               h.waitq,
		Cache:               h.m,
		MaxBatchTokens:      h.tokens,
		MaxSequences:        h.maxSeqs,
		AdmissionPreemption: h.preempt,
	}
}

func (h *schedHarness) plan() StepPlan {
	h.step++
	p := h.s.Plan(h.ctx())
	h.apply(p)
	return p
}

func (h *schedHarness) apply(p StepPlan) {
	gone := map[*Sequence]bool{}
	for _, s := range p.Preempted {
		gone[s] = true
	}
	for _, s := range p.Finished {
		gone[s] = true
	}
	var kept []*Sequence
	for _, s := range h.running {
		if !gone[s] {
			kept = append(kept, s)
		}
	}
	h.running = append(kept, p.Admitted...)
}

// commit plays the backend: every main entry commits and samples one token, every
// catch-up commits and becomes decode-ready for the next step.
func (h *schedHarness) commit(t *testing.T, p StepPlan) {
	t.Helper()
	for _, e := range p.Main.Entries {
		require.NoError(t, h.m.Append(e.seq, positionEntries(e.Tokens, e.Start, e.End)))
		if e.Kind == EntryPrefill {
			require.NoError(t, e.seq.transition(StateDecode))
		}
		e.seq.appendToken(9)
	}
	for _, b := range p.Catchups {
		for _, e := range b.Entries {
			require.NoError(t, h.m.Append(e.seq, positionEntries(e.Tokens, e.Start, e.End)))
			require.NoError(t, e.seq.transition(StateDecode))
			e.seq.joinStep = h.step + 1
		}
	}
}

func (h *schedHarness) submit(id string, promptLen, priority int) *Sequence {
	s := newTestSeq(h.m, id, promptLen, priority, h.arrived)
	h.arrived++
	h.waitq.Enqueue(s)
	return s
}

func TestPlan_AdmitsWaitingForPrefillWithinBudgets(t *testing.T) {
	// GIVEN three waiting sequences and a 12-token budget
	h := newSchedHarness(32, 4, 12, 8)
	a := h.submit("a", 5, 0)
	b := h.submit("b", 6, 0)
	h.submit("c", 4, 0)

	// WHEN planning the first step
	p := h.plan()

	// THEN a and b fit (11 tokens); c waits behind the budget
	assert.Equal(t, []SequenceID{"a", "b"}, seqIDs(p.Admitted))
	assert.Equal(t, 2, p.Main.Count(EntryPrefill))
	assert.Equal(t, 11, p.Main.NumTokens())
	assert.Equal(t, StatePrefill, a.State())
	assert.Equal(t, StatePrefill, b.State())
	assert.Equal(t, 1, h.waitq.Len())
}

func TestPlan_PriorityClassesFIFOWithin(t *testing.T) {
	// GIVEN low, high, low, high arrivals
	h := newSchedHarness(32, 4, 100, 8)
	h.submit("low1", 2, 0)
	h.submit("high1", 2, 5)
	h.submit("low2", 2, 0)
	h.submit("high2", 2, 5)

	// WHEN planning
	p := h.plan()

	// THEN higher priority first, arrival order within a class
	assert.Equal(t, []SequenceID{"high1", "high2", "low1", "low2"}, seqIDs(p.Admitted))
}

func TestPlan_HeadOfLineBlocking_PreservesFIFO(t *testing.T) {
	// GIVEN a head that does not fit the cache and a small one behind it
	h := newSchedHarness(4, 4, 100, 8)
	big := h.submit("big", 12, 0)
	h.plan()
	require.Equal(t, StatePrefill, big.State())
	h.submit("head", 8, 0)
	h.submit("small", 1, 0)

	// WHEN planning with 1 free block
	p := h.plan()

	// THEN nothing jumps the blocked head
	assert.Empty(t, p.Admitted)
	assert.Equal(t, 2, h.waitq.Len())
}

func TestPlan_DecodeReadyKeptFirst(t *testing.T) {
	// GIVEN two sequences that completed prefill
	h := newSchedHarness(32, 4, 3, 8)
	h.submit("a", 2, 0)
	h.submit("b", 1, 0)
	h.commit(t, h.plan())
	h.submit("c", 2, 0)

	// WHEN planning the next step with a 3-token budget
	p := h.plan()

	// THEN both decoders get a position before c can be considered
	assert.Equal(t, 2, p.Main.Count(EntryDecode))
	assert.True(t, p.Main.Contains("a"))
	assert.True(t, p.Main.Contains("b"))
	assert.Empty(t, p.Admitted)
	for _, e := range p.Main.Entries {
		assert.Equal(t, 1, e.NumTokens())
		assert.Equal(t, e.seq.Len(), e.End)
	}
}

func TestPlan_TokenBudgetExhausted_DefersDecoders(t *testing.T) {
	h := newSchedHarness(32, 4, 3, 8)
	h.submit("a", 1, 0)
	h.submit("b", 1, 0)
	h.submit("c", 1, 0)
	h.commit(t, h.plan())
	h.tokens = 2

	p := h.plan()

	assert.Equal(t, 2, p.Main.Count(EntryDecode))
	assert.Equal(t, []SequenceID{"c"}, seqIDs(p.Deferred))
}

func TestPlan_GrowthPressure_RequesterYieldsAndSkipsAdmission(t *testing.T) {
	// GIVEN two decoders holding 3 of 4 single-position blocks
	h := newSchedHarness(4, 1, 100, 8)
	a := h.submit("a", 2, 1)
	b := h.submit("b", 1, 0)
	h.commit(t, h.plan())
	h.submit("w", 1, 9)
	require.Equal(t, 3, h.m.Pool().Used())

	// WHEN both need one more position with one block free
	p := h.plan()

	// THEN a (higher priority) takes the last block and b, with nothing to evict, yields itself
	assert.True(t, p.Main.Contains("a"))
	assert.Equal(t, []*Sequence{b}, p.Preempted)
	assert.Equal(t, StatePreempted, b.State())
	assert.Equal(t, b, h.waitq.Peek())
	assert.Empty(t, p.Admitted)
	assert.Equal(t, StateDecode, a.State())
	assert.LessOrEqual(t, h.m.Pool().Used(), 4)
}

func TestPlan_GrowthPressure_EvictsLowerRankedDecoder(t *testing.T) {
	// GIVEN high-priority a and low-priority b, a needs a new block
	h := newSchedHarness(2, 2, 100, 8)
	a := h.submit("a", 2, 1)
	b := h.submit("b", 2, 0)
	h.commit(t, h.plan())
	require.Equal(t, 0, h.m.Pool().Free())

	// WHEN a grows past its block while the pool is full
	p := h.plan()

	// THEN b is evicted for a and requeued at the front
	assert.True(t, p.Main.Contains("a"))
	assert.False(t, p.Main.Contains("b"))
	assert.Equal(t, []*Sequence{b}, p.Preempted)
	assert.Equal(t, StateDecode, a.State())
	assert.Equal(t, 0, b.Cursor())
	assert.Equal(t, b, h.waitq.Peek())
}

func TestPlan_PreemptedReadmittedIntoCatchup(t *testing.T) {
	// GIVEN a sequence preempted after generating one token
	h := newSchedHarness(8, 2, 100, 8)
	s := h.submit("s", 5, 0)
	h.commit(t, h.plan())
	h.running = nil
	h.m.Evict(s)
	h.waitq.PrependFront(s)

	// WHEN planned again
	p := h.plan()

	// THEN it rebuilds [0, len-1) in a catch-up sub-batch, outside the main batch
	require.Len(t, p.Catchups, 1)
	e := p.Catchups[0].Entries[0]
	assert.Equal(t, EntryCatchup, e.Kind)
	assert.Equal(t, 0, e.Start)
	assert.Equal(t, s.Len()-1, e.End)
	assert.Equal(t, h.step, p.Catchups[0].Step)
	assert.False(t, p.Main.Contains("s"))
	assert.Equal(t, StateCatchup, s.State())

	// AND after the catch-up commits it decodes only from the next step
	h.commit(t, p)
	assert.False(t, s.decodeReady(h.step))
	next := h.plan()
	assert.True(t, next.Main.Contains("s"))
}

func TestAdmitMidStep_EntersCatchupToSharedBoundary(t *testing.T) {
	// GIVEN a waiting sequence arriving while step 1 is in flight
	h := newSchedHarness(8, 4, 100, 8)
	h.step = 1
	s := h.submit("late", 6, 0)

	// WHEN admitted mid-step
	p := h.s.AdmitMidStep(h.ctx())

	// THEN it catches up over [0, 5) and has room for its shared decode position
	require.Len(t, p.Catchups, 1)
	assert.Nil(t, p.Main)
	e := p.Catchups[0].Entries[0]
	assert.Equal(t, 0, e.Start)
	assert.Equal(t, 5, e.End)
	assert.Equal(t, StateCatchup, s.State())
	assert.Equal(t, 0, s.table.Shortfall(6))
}

func TestPlan_MaxSequencesCap(t *testing.T) {
	h := newSchedHarness(32, 4, 100, 2)
	h.submit("a", 1, 0)
	h.submit("b", 1, 0)
	h.submit("c", 1, 0)

	p := h.plan()

	assert.Len(t, p.Admitted, 2)
	assert.Equal(t, 1, h.waitq.Len())
}

func TestPlan_SequenceOutgrowingPool_Finishes(t *testing.T) {
	// GIVEN a lone decoder holding the entire pool
	h := newSchedHarness(2, 2, 100, 8)
	s := h.submit("s", 4, 0)
	h.commit(t, h.plan())

	// WHEN it needs a fifth position
	p := h.plan()

	// THEN it is finished rather than preempted forever
	assert.Equal(t, []*Sequence{s}, p.Finished)
	assert.Empty(t, p.Preempted)
}

func TestPlan_AdmissionPreemption_OnlyStrictlyLowerPriority(t *testing.T) {
	// GIVEN a full pool held by a low and an equal-priority sequence, neither
	// decode-ready this step
	h := newSchedHarness(2, 4, 100, 8)
	h.preempt = true
	low := h.submit("low", 3, 0)
	peer := h.submit("peer", 3, 5)
	h.commit(t, h.plan())
	low.joinStep, peer.joinStep = 10, 10
	require.Equal(t, 0, h.m.Pool().Free())
	h.submit("vip", 3, 5)

	// WHEN the next plan considers the high-priority arrival
	p := h.plan()

	// THEN the low-priority sequence is the only victim and vip is admitted
	assert.Equal(t, []*Sequence{low}, p.Preempted)
	assert.Equal(t, StateDecode, peer.State())
	assert.Equal(t, []SequenceID{"vip"}, seqIDs(p.Admitted))
	assert.True(t, p.Main.Contains("vip"))
}
