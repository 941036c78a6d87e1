package engine

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StepContext provides the inputs for planning one step. Plan may mutate WaitQ
// (dequeue/prepend), Cache (allocate/evict) and the states of the sequences it
// touches. Running is read only; the caller applies StepPlan to its running set.
type StepContext struct {
	Step                int
	Now                 time.Time
	Running             []*Sequence // sequences holding cache
	WaitQ               *WaitQueue
	Cache               *CacheManager
	MaxBatchTokens      int
	MaxSequences        int
	AdmissionPreemption bool
}

// StepPlan describes the outcome of planning a step.
type StepPlan struct {
	Main      *Batch   // shared prefill/decode batch; may be empty
	Catchups  []*Batch // one sub-batch per re-admitted or mid-step admitted sequence
	Admitted  []*Sequence
	Preempted []*Sequence // evicted and requeued at the front of WaitQ
	Finished  []*Sequence // cannot grow even with the whole pool to itself
	Deferred  []*Sequence // decode-ready but left out for lack of token budget
}

// Scheduler selects, each step, a feasible batch from the decode-ready, waiting and
// preempted sequences under the cache, token and sequence budgets.
type Scheduler struct {
	admission AdmissionPolicy
}

// NewScheduler creates a scheduler. A nil policy selects PriorityFCFSAdmission.
func NewScheduler(admission AdmissionPolicy) *Scheduler {
	if admission == nil {
		admission = &PriorityFCFSAdmission{}
	}
	return &Scheduler{admission: admission}
}

// Plan forms the batch for ctx.Step.
//
// Phase 1 keeps every decode-ready running sequence, highest priority first, growing
// its cache by one position and evicting lower-ranked decoders not yet placed when
// the pool is short. Phase 2 walks the ordered wait queue: preempted sequences are
// re-admitted into catch-up sub-batches, waiting sequences are admitted for prefill.
// Admission stops at the first sequence that does not fit, so FIFO order within a
// priority class is preserved, and is skipped entirely on a step that preempted.
func (s *Scheduler) Plan(ctx StepContext) StepPlan {
	plan := StepPlan{Main: NewBatch(ctx.Step)}
	tokenBudget := ctx.MaxBatchTokens
	placed := make(map[SequenceID]bool)
	preempted := make(map[SequenceID]bool)

	running := make([]*Sequence, len(ctx.Running))
	copy(running, ctx.Running)
	sort.SliceStable(running, func(i, j int) bool {
		if running[i].Priority != running[j].Priority {
			return running[i].Priority > running[j].Priority
		}
		return running[i].arrival < running[j].arrival
	})

	// Phase 1: continuing decode.
	for i, seq := range running {
		if preempted[seq.ID] || !seq.decodeReady(ctx.Step) || seq.inFlight {
			continue
		}
		if tokenBudget < 1 {
			logrus.Warnf("[step %07d] token budget exhausted, deferring remaining decoders to next step", ctx.Step)
			for _, rest := range running[i:] {
				if !preempted[rest.ID] && rest.decodeReady(ctx.Step) && !rest.inFlight {
					plan.Deferred = append(plan.Deferred, rest)
				}
			}
			break
		}
		if !s.growForDecode(seq, ctx, placed, preempted, &plan) {
			continue
		}
		placed[seq.ID] = true
		plan.Main.add(seq, EntryDecode, seq.cursor, seq.cursor+1)
		tokenBudget--
	}

	if len(plan.Preempted) > 0 {
		return plan
	}

	// Phase 2: re-admission and new admission.
	s.admit(ctx, &plan, &tokenBudget, false)
	return plan
}

// growForDecode reserves room for seq's next position. It returns false when seq
// could not be placed, in which case it has been preempted or finished.
func (s *Scheduler) growForDecode(seq *Sequence, ctx StepContext, placed, preempted map[SequenceID]bool, plan *StepPlan) bool {
	victims, err := ctx.Cache.Allocate(seq, 1, AllocateOptions{AllowEviction: true, Exclude: placed})
	for _, v := range victims {
		logrus.Warnf("[step %07d] preemption: evicting %s to make room for %s", ctx.Step, v.ID, seq.ID)
		preempted[v.ID] = true
		plan.Preempted = append(plan.Preempted, v)
		ctx.WaitQ.PrependFront(v)
	}
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrOutOfCache) {
		panic(err)
	}
	if !ctx.Cache.Fits(seq.cursor + 1) {
		logrus.Warnf("[step %07d] %s exceeds the whole cache at %d positions, finishing", ctx.Step, seq.ID, seq.cursor+1)
		plan.Finished = append(plan.Finished, seq)
		return false
	}
	// nothing left to evict: the requester itself yields
	logrus.Warnf("[step %07d] preemption: cache too small to grow %s, preempting it", ctx.Step, seq.ID)
	ctx.Cache.Evict(seq)
	preempted[seq.ID] = true
	plan.Preempted = append(plan.Preempted, seq)
	ctx.WaitQ.PrependFront(seq)
	return false
}

// AdmitMidStep admits queued sequences while the main batch of ctx.Step is in
// flight. Every admitted sequence enters Catchup: it cannot join the batch already
// dispatched and must reach the shared step boundary first. No eviction happens
// mid-step.
func (s *Scheduler) AdmitMidStep(ctx StepContext) StepPlan {
	plan := StepPlan{}
	budget := 0
	s.admit(ctx, &plan, &budget, true)
	return plan
}

// admit walks the ordered wait queue, admitting from the head until a sequence
// does not fit.
func (s *Scheduler) admit(ctx StepContext, plan *StepPlan, tokenBudget *int, midStep bool) {
	ctx.WaitQ.Reorder(func(seqs []*Sequence) {
		s.admission.OrderQueue(seqs, ctx.Now)
	})

	holders := len(ctx.Running)
	for holders < ctx.MaxSequences && ctx.WaitQ.Len() > 0 {
		next := ctx.WaitQ.Peek()
		rebuild := next.state == StatePreempted || midStep

		var positions int
		if rebuild {
			positions = len(next.tokens) - 1
		} else {
			positions = len(next.tokens)
			if positions > *tokenBudget {
				break
			}
		}

		opts := AllocateOptions{}
		if ctx.AdmissionPreemption && !midStep {
			opts.AllowEviction = true
			opts.Exclude = batchMembers(plan.Main)
			opts.Eligible = func(v *Sequence) bool { return v.Priority < next.Priority }
		}
		// one more position for the decode step that follows the rebuild
		alloc := positions
		if rebuild {
			alloc++
		}
		victims, err := ctx.Cache.Allocate(next, alloc, opts)
		for _, v := range victims {
			logrus.Warnf("[step %07d] admission preemption: evicting %s for %s", ctx.Step, v.ID, next.ID)
			plan.Preempted = append(plan.Preempted, v)
			holders--
		}
		if err != nil {
			// re-queue victims behind the blocked head so FIFO order survives
			for i := len(victims) - 1; i >= 0; i-- {
				ctx.WaitQ.Enqueue(victims[i])
			}
			if !errors.Is(err, ErrOutOfCache) {
				panic(err)
			}
			logrus.Debugf("[step %07d] admission deferred for %s: %v", ctx.Step, next.ID, err)
			break
		}
		for _, v := range victims {
			ctx.WaitQ.Enqueue(v)
		}

		ctx.WaitQ.Dequeue()
		holders++
		if next.scheduledAt.IsZero() {
			next.scheduledAt = ctx.Now
		}
		plan.Admitted = append(plan.Admitted, next)

		if rebuild {
			next.mustTransition(StateCatchup)
			b, err := ctx.Cache.Catchup(next, positions)
			if err != nil {
				panic(err)
			}
			b.Step = ctx.Step
			plan.Catchups = append(plan.Catchups, b)
			continue
		}
		next.mustTransition(StatePrefill)
		plan.Main.add(next, EntryPrefill, 0, positions)
		*tokenBudget -= positions
	}
}

func batchMembers(b *Batch) map[SequenceID]bool {
	out := make(map[SequenceID]bool)
	if b == nil {
		return out
	}
	for _, e := range b.Entries {
		out[e.SeqID] = true
	}
	return out
}
