package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/inference-sim/inference-engine/engine/kv"
	"github.com/inference-sim/inference-engine/engine/trace"
)

// Engine is the continuous-batching loop. It owns the shared scheduling context:
// the wait queue, the running set and the cache manager, all guarded by mu, which is
// the single serialization point for allocation and eviction.
type Engine struct {
	cfg       Config
	backend   Backend
	cache     *CacheManager
	scheduler *Scheduler
	metrics   *Metrics
	trace     *trace.EngineTrace
	reqlog    *RequestLog
	sem       *semaphore.Weighted // bounds concurrently executing catch-ups
	now       func() time.Time

	mu       sync.Mutex
	seqs     map[SequenceID]*Sequence // non-terminal sequences
	streams  map[SequenceID]*Stream   // streams not yet claimed by Poll
	waitq    *WaitQueue
	running  []*Sequence // sequences holding cache, in admission order
	arrivals uint64
	step     int // last planned step
	closed   bool
	looping  bool
	wake     chan struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used for arrival times and timeouts.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRequestLog writes the JSON-lines request log to w instead of
// Config.RequestLogPath.
func WithRequestLog(w io.Writer) Option {
	return func(e *Engine) { e.reqlog = NewRequestLog(w) }
}

// New creates an engine executing on backend.
func New(cfg Config, backend Backend, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.New("engine: backend must not be nil")
	}
	pool := kv.NewPool(cfg.Cache.TotalBlocks, cfg.Cache.BlockSize)
	e := &Engine{
		cfg:       cfg,
		backend:   backend,
		cache:     NewCacheManager(pool, NewEvictionPolicy(cfg.Policy.Eviction)),
		scheduler: NewScheduler(cfg.admissionPolicy()),
		metrics:   NewMetrics(),
		trace:     trace.NewEngineTrace(trace.TraceLevel(cfg.TraceLevel)),
		sem:       semaphore.NewWeighted(int64(cfg.Batch.MaxConcurrentCatchups)),
		now:       time.Now,
		seqs:      make(map[SequenceID]*Sequence),
		streams:   make(map[SequenceID]*Stream),
		waitq:     &WaitQueue{},
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reqlog == nil && cfg.RequestLogPath != "" {
		l, err := OpenRequestLog(cfg.RequestLogPath)
		if err != nil {
			return nil, err
		}
		e.reqlog = l
	}
	return e, nil
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Trace returns the decision trace. Read it only after Run returns.
func (e *Engine) Trace() *trace.EngineTrace { return e.trace }

// Snapshot returns a consistent view of cache availability.
func (e *Engine) Snapshot() CacheSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Snapshot()
}

// Submit validates req and queues it for admission. It fails with
// ErrRequestRejected if the request can never be admitted.
func (e *Engine) Submit(req Request) (SequenceID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(req); err != nil {
		e.metrics.observeRejected()
		logrus.Debugf("rejected %s: %v", req, err)
		return "", err
	}

	id := SequenceID(req.ID)
	if id == "" {
		id = SequenceID(uuid.NewString())
	}
	if req.ArrivalTime.IsZero() {
		req.ArrivalTime = e.now()
	}
	seq := newSequence(id, req, e.arrivals, e.cache.NewTable())
	e.arrivals++
	e.seqs[id] = seq
	e.streams[id] = seq.stream
	e.waitq.Enqueue(seq)

	if err := e.reqlog.LogRequest(id, req, req.ArrivalTime); err != nil {
		logrus.Warnf("request log: %v", err)
	}
	e.metrics.observeQueues(e.waitq.Len(), len(e.running), e.cache.Pool().Used())
	logrus.Debugf("submitted %s (prompt %d, max tokens %d, priority %d)", id, len(req.Prompt), req.Sampling.MaxTokens, req.Priority)
	e.signal()
	return id, nil
}

// validate must be called with mu held.
func (e *Engine) validate(req Request) error {
	if e.closed {
		return ErrEngineClosed
	}
	n := len(req.Prompt)
	if n == 0 {
		return rejectf("empty prompt")
	}
	if req.Sampling.MaxTokens <= 0 {
		return rejectf("max tokens must be > 0, got %d", req.Sampling.MaxTokens)
	}
	if req.Sampling.TopLogprobs < 0 {
		return rejectf("top logprobs must be >= 0, got %d", req.Sampling.TopLogprobs)
	}
	if !e.cache.Fits(n) {
		return rejectf("prompt of %d tokens exceeds cache capacity of %d", n, e.cache.Pool().CapacityTokens())
	}
	if n > e.cfg.Batch.MaxBatchTokens {
		return rejectf("prompt of %d tokens exceeds max batch tokens %d", n, e.cfg.Batch.MaxBatchTokens)
	}
	if ml := e.cfg.Batch.MaxModelLen; ml > 0 && n+req.Sampling.MaxTokens > ml {
		return rejectf("prompt %d + max tokens %d exceeds max model length %d", n, req.Sampling.MaxTokens, ml)
	}
	if req.ID != "" {
		id := SequenceID(req.ID)
		if _, dup := e.seqs[id]; dup {
			return rejectf("sequence %s already exists", req.ID)
		}
		// a finished sequence keeps its ID until its stream is claimed
		if _, unclaimed := e.streams[id]; unclaimed {
			return rejectf("sequence %s has an unclaimed stream", req.ID)
		}
	}
	return nil
}

// Poll claims the token stream of id. A stream can be claimed once; a second Poll
// fails with ErrUnknownSequence.
func (e *Engine) Poll(id SequenceID) (*Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSequence, "poll %s", id)
	}
	delete(e.streams, id)
	return st, nil
}

// Cancel stops id. A sequence inside an in-flight step is only marked; the cancel
// takes effect when that step commits, and the step's result is discarded.
func (e *Engine) Cancel(id SequenceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, ok := e.seqs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownSequence, "cancel %s", id)
	}
	if seq.inFlight {
		seq.cancelRequested = true
		logrus.Debugf("cancel of %s deferred until its step commits", id)
		return nil
	}
	e.finish(seq, StateCancelled, StopCancelled, ErrCancelled)
	e.signal()
	return nil
}

// Close stops ingress. Run drains every submitted sequence and then returns.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.signal()
	return nil
}

// signal wakes the loop without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the batching loop until Close has been called and no non-terminal
// sequences remain, or ctx ends. On ctx end every remaining sequence is errored so
// no stream blocks forever.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.looping {
		e.mu.Unlock()
		return errors.New("engine: Run already active")
	}
	e.looping = true
	e.mu.Unlock()

	logrus.Infof("engine started: %d blocks x %d positions, max batch tokens %d, max sequences %d",
		e.cfg.Cache.TotalBlocks, e.cfg.Cache.BlockSize, e.cfg.Batch.MaxBatchTokens, e.cfg.Batch.MaxSequences)
	defer func() {
		e.mu.Lock()
		e.looping = false
		e.mu.Unlock()
		if err := e.reqlog.Close(); err != nil {
			logrus.Warnf("request log: %v", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			e.abort(err)
			return err
		}

		e.mu.Lock()
		e.expireWaiting()
		if e.closed && len(e.seqs) == 0 {
			e.mu.Unlock()
			logrus.Infof("engine stopped after %d steps", e.step)
			return nil
		}
		step := e.step + 1
		plan := e.scheduler.Plan(e.stepContext(step))
		if plan.idle() {
			wait := e.idleWait()
			e.mu.Unlock()
			e.sleep(ctx, wait)
			continue
		}
		e.step = step
		work := e.applyPlan(plan)
		e.mu.Unlock()

		e.runStep(ctx, step, work)
	}
}

// stepContext must be called with mu held.
func (e *Engine) stepContext(step int) StepContext {
	return StepContext{
		Step:                step,
		Now:                 e.now(),
		Running:             e.running,
		WaitQ:               e.waitq,
		Cache:               e.cache,
		MaxBatchTokens:      e.cfg.Batch.MaxBatchTokens,
		MaxSequences:        e.cfg.Batch.MaxSequences,
		AdmissionPreemption: e.cfg.Policy.AdmissionPreemption,
	}
}

func (p StepPlan) idle() bool {
	return p.Main.Len() == 0 && len(p.Catchups) == 0 && len(p.Preempted) == 0 && len(p.Finished) == 0
}

// idleWait returns how long the loop may sleep before an admission timeout is due.
// Zero means until woken. Must be called with mu held.
func (e *Engine) idleWait() time.Duration {
	timeout := e.cfg.AdmissionTimeout
	if timeout <= 0 {
		return 0
	}
	now := e.now()
	var wait time.Duration
	for _, s := range e.waitq.Items() {
		if s.state != StateWaiting {
			continue
		}
		d := s.arrivalTime.Add(timeout).Sub(now)
		if d < time.Millisecond {
			d = time.Millisecond
		}
		if wait == 0 || d < wait {
			wait = d
		}
	}
	return wait
}

func (e *Engine) sleep(ctx context.Context, wait time.Duration) {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-e.wake:
	case <-timer:
	case <-ctx.Done():
	}
}

// expireWaiting errors Waiting sequences older than the admission timeout. Must be
// called with mu held.
func (e *Engine) expireWaiting() {
	timeout := e.cfg.AdmissionTimeout
	if timeout <= 0 {
		return
	}
	now := e.now()
	var expired []*Sequence
	for _, s := range e.waitq.Items() {
		if s.state == StateWaiting && now.Sub(s.arrivalTime) > timeout {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		logrus.Warnf("[step %07d] %s waited %v for admission, giving up", e.step, s.ID, now.Sub(s.arrivalTime))
		e.trace.RecordAdmission(trace.AdmissionRecord{SequenceID: string(s.ID), Step: e.step, Reason: "admission timeout"})
		e.finish(s, StateErrored, StopError, errors.Wrapf(ErrAdmissionTimeout, "sequence %s", s.ID))
	}
}

// abort errors every remaining sequence after the loop stops early.
func (e *Engine) abort(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := errors.Wrap(cause, "engine stopped")
	for _, s := range e.seqs {
		e.finish(s, StateErrored, StopError, err)
	}
	logrus.Warnf("engine aborted after %d steps: %v", e.step, cause)
}

// finish moves seq to a terminal state, releases its cache exactly once and closes
// its stream. Must be called with mu held and seq not in flight.
func (e *Engine) finish(seq *Sequence, state SequenceState, reason StopReason, err error) {
	if seq.state.Terminal() {
		return
	}
	seq.mustTransition(state)
	seq.stopReason = reason
	seq.err = err
	freed := e.cache.Free(seq)
	e.waitq.Remove(seq)
	e.removeRunning(seq)
	delete(e.seqs, seq.ID)

	if state == StateFinished {
		seq.stream.close(nil)
	} else {
		seq.stream.close(err)
	}
	now := e.now()
	e.metrics.observeTerminal(state, now.Sub(seq.arrivalTime))
	e.metrics.observeQueues(e.waitq.Len(), len(e.running), e.cache.Pool().Used())
	if lerr := e.reqlog.LogResponse(seq, now); lerr != nil {
		logrus.Warnf("request log: %v", lerr)
	}
	if state == StateErrored {
		logrus.Errorf("[step %07d] %s errored after %d tokens: %v", e.step, seq.ID, seq.generated, err)
	} else {
		logrus.Debugf("[step %07d] %s %s (%s) after %d tokens, %d blocks freed", e.step, seq.ID, state, reason, seq.generated, freed)
	}
}

func (e *Engine) removeRunning(seq *Sequence) {
	for i, s := range e.running {
		if s == seq {
			e.running = append(e.running[:i], e.running[i+1:]...)
			return
		}
	}
}

// dispatch pairs a batch with the cache handles taken when it was planned.
type dispatch struct {
	batch   *Batch
	handles []CacheHandle
}

type stepWork struct {
	main     dispatch
	catchups []dispatch
}

// applyPlan folds a plan into the engine state and marks every planned sequence in
// flight. Must be called with mu held.
func (e *Engine) applyPlan(plan StepPlan) stepWork {
	step := plan.Main.Step
	for _, s := range plan.Preempted {
		e.removeRunning(s)
		e.metrics.observePreemption()
		e.trace.RecordPreemption(trace.PreemptionRecord{
			SequenceID: string(s.ID), Step: step, Priority: s.Priority, BlocksFreed: s.evictedBlocks, Reason: "cache pressure",
		})
	}
	for _, s := range plan.Finished {
		e.finish(s, StateFinished, StopLength, nil)
	}
	for _, s := range plan.Admitted {
		e.running = append(e.running, s)
		path := "prefill"
		if s.state == StateCatchup {
			path = "catchup"
		}
		e.trace.RecordAdmission(trace.AdmissionRecord{SequenceID: string(s.ID), Step: step, Admitted: true, Path: path})
	}

	work := stepWork{main: dispatch{batch: plan.Main}}
	for _, en := range plan.Main.Entries {
		en.seq.inFlight = true
	}
	work.main.handles = plan.Main.Handles()
	for _, b := range plan.Catchups {
		for _, en := range b.Entries {
			en.seq.inFlight = true
		}
		work.catchups = append(work.catchups, dispatch{batch: b, handles: b.Handles()})
	}

	if plan.Main.Len() > 0 {
		logrus.Debugf("[step %07d] %s", step, plan.Main)
	}
	e.trace.RecordBatch(trace.BatchRecord{
		Step:     step,
		Members:  plan.Main.Len(),
		Tokens:   plan.Main.NumTokens(),
		Prefill:  plan.Main.Count(EntryPrefill),
		Decode:   plan.Main.Count(EntryDecode),
		Catchups: len(plan.Catchups),
	})
	e.metrics.observeQueues(e.waitq.Len(), len(e.running), e.cache.Pool().Used())
	return work
}
