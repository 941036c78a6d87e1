package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-engine/engine/sample"
	"github.com/inference-sim/inference-engine/engine/trace"
)

type mainResult struct {
	outs []Output
	err  error
}

// runStep executes one planned step. Catch-up sub-batches run alongside the main
// batch (or before it when ConcurrentCatchup is off); while the main batch is in
// flight, newly submitted sequences are admitted straight into catch-up. The step
// boundary waits for every catch-up, so completed catch-ups merge into decode only
// at the next plan.
func (e *Engine) runStep(ctx context.Context, step int, work stepWork) {
	start := time.Now()
	var g errgroup.Group

	concurrent := e.cfg.Batch.ConcurrentCatchup
	for _, d := range work.catchups {
		if concurrent {
			e.goCatchup(ctx, &g, d)
		} else {
			e.runCatchup(ctx, d)
		}
	}

	if work.main.batch.Len() > 0 {
		done := make(chan mainResult, 1)
		go func() {
			outs, err := execute(ctx, e.backend, work.main.batch, work.main.handles, "main")
			done <- mainResult{outs: outs, err: err}
		}()

		wake := e.wake
		if !concurrent {
			wake = nil
		}
		ctxDone := ctx.Done()
		var res *mainResult
		for res == nil {
			select {
			case r := <-done:
				res = &r
			case <-wake:
				e.admitMidStep(ctx, &g, step)
			case <-ctxDone:
				// the backend sees the same ctx; keep waiting for it to return
				ctxDone, wake = nil, nil
			}
		}
		e.commitMain(step, work.main.batch, res.outs, res.err)
	}

	_ = g.Wait()

	e.mu.Lock()
	used := e.cache.Pool().Used()
	e.mu.Unlock()
	if work.main.batch.Len() > 0 {
		e.metrics.observeStep(work.main.batch.NumTokens(), used, time.Since(start))
	}
}

// admitMidStep admits queued sequences into catch-up while step is in flight.
func (e *Engine) admitMidStep(ctx context.Context, g *errgroup.Group, step int) {
	if ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	plan := e.scheduler.AdmitMidStep(e.stepContext(step))
	var ds []dispatch
	for _, s := range plan.Admitted {
		e.running = append(e.running, s)
		e.trace.RecordAdmission(trace.AdmissionRecord{SequenceID: string(s.ID), Step: step, Admitted: true, Path: "mid-step"})
		logrus.Debugf("[step %07d] %s admitted mid-step into catch-up", step, s.ID)
	}
	for _, b := range plan.Catchups {
		for _, en := range b.Entries {
			en.seq.inFlight = true
		}
		ds = append(ds, dispatch{batch: b, handles: b.Handles()})
	}
	if len(plan.Admitted) > 0 {
		e.metrics.observeQueues(e.waitq.Len(), len(e.running), e.cache.Pool().Used())
	}
	e.mu.Unlock()

	for _, d := range ds {
		e.goCatchup(ctx, g, d)
	}
}

// goCatchup runs d on g, bounded by the catch-up semaphore. Failures are confined to
// the sequences of d; the group never returns an error so siblings keep running.
func (e *Engine) goCatchup(ctx context.Context, g *errgroup.Group, d dispatch) {
	g.Go(func() error {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.commitCatchup(d.batch, nil, &BackendExecutionError{Step: d.batch.Step, Kind: "catchup", Cause: err})
			return nil
		}
		defer e.sem.Release(1)
		e.runCatchup(ctx, d)
		return nil
	})
}

// runCatchup executes one catch-up sub-batch and commits it. An empty range commits
// without a backend call.
func (e *Engine) runCatchup(ctx context.Context, d dispatch) {
	if d.batch.NumTokens() == 0 {
		e.commitCatchup(d.batch, make([]Output, d.batch.Len()), nil)
		return
	}
	outs, err := execute(ctx, e.backend, d.batch, d.handles, "catchup")
	e.commitCatchup(d.batch, outs, err)
}

// commitCatchup appends the rebuilt KV entries and moves each member to Decode. The
// sequence joins shared decode no earlier than the step after the one in flight.
func (e *Engine) commitCatchup(b *Batch, outs []Output, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, en := range b.Entries {
		seq := en.seq
		seq.inFlight = false
		if seq.state.Terminal() {
			continue
		}
		if seq.cancelRequested {
			e.finish(seq, StateCancelled, StopCancelled, ErrCancelled)
			continue
		}
		if err != nil {
			e.finish(seq, StateErrored, StopError, err)
			continue
		}
		if aerr := e.cache.Append(seq, outs[i].KV); aerr != nil {
			e.finish(seq, StateErrored, StopError, aerr)
			continue
		}
		if seq.cursor != seq.catchupTarget {
			e.finish(seq, StateErrored, StopError,
				errors.Errorf("catch-up of %s ended at cursor %d, want %d", seq.ID, seq.cursor, seq.catchupTarget))
			continue
		}
		seq.mustTransition(StateDecode)
		seq.joinStep = e.step + 1
		e.metrics.observeCatchup()
		e.trace.RecordCatchup(trace.CatchupRecord{
			SequenceID: string(seq.ID), Step: e.step, JoinStep: seq.joinStep, Positions: en.NumTokens(),
		})
		logrus.Debugf("[step %07d] %s caught up to %d, joins decode at step %d", e.step, seq.ID, seq.cursor, seq.joinStep)
	}
	e.signal()
}

// commitMain appends the main batch's KV entries, samples one token per member,
// emits it and applies stop conditions. A backend error fails every member.
func (e *Engine) commitMain(step int, b *Batch, outs []Output, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		logrus.Errorf("[step %07d] %v", step, err)
	}
	for i, en := range b.Entries {
		seq := en.seq
		seq.inFlight = false
		if seq.state.Terminal() {
			continue
		}
		if seq.cancelRequested {
			e.finish(seq, StateCancelled, StopCancelled, ErrCancelled)
			continue
		}
		if err != nil {
			e.finish(seq, StateErrored, StopError, err)
			continue
		}
		if aerr := e.cache.Append(seq, outs[i].KV); aerr != nil {
			e.finish(seq, StateErrored, StopError, aerr)
			continue
		}
		if en.Kind == EntryPrefill {
			seq.mustTransition(StateDecode)
		}
		choice, serr := seq.sampler.Choose(outs[i].Logits, seq.tokens[seq.promptLen:])
		if serr != nil {
			e.finish(seq, StateErrored, StopError, errors.Wrapf(serr, "sampling %s at step %d", seq.ID, step))
			continue
		}
		e.emit(seq, choice)
	}
}

// emit appends the chosen token to seq, streams it and checks stop conditions. Must
// be called with mu held.
func (e *Engine) emit(seq *Sequence, choice sample.Choice) {
	token := choice.Token
	seq.appendToken(token)
	now := e.now()
	first := seq.generated == 1
	if first {
		seq.firstTokenAt = now
	}
	out := Token{ID: token}
	if seq.sampling.Logprobs {
		out.Logprobs = &Logprobs{Logprob: choice.Logprob, Top: choice.Top}
	}
	seq.stream.pushToken(out)
	e.metrics.observeToken(first, now.Sub(seq.arrivalTime))

	switch {
	case seq.sampling.isStop(token):
		e.finish(seq, StateFinished, StopToken, nil)
	case seq.generated >= seq.sampling.MaxTokens:
		e.finish(seq, StateFinished, StopLength, nil)
	case e.cfg.Batch.MaxModelLen > 0 && len(seq.tokens) >= e.cfg.Batch.MaxModelLen:
		e.finish(seq, StateFinished, StopLength, nil)
	}
}
