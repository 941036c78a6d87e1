package engine

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/inference-sim/inference-engine/engine/kv"
	"github.com/inference-sim/inference-engine/engine/sample"
)

// SequenceID identifies a submitted sequence.
type SequenceID string

// SequenceState represents the lifecycle state of a sequence.
type SequenceState string

const (
	StateWaiting   SequenceState = "waiting"
	StatePrefill   SequenceState = "prefill"
	StateDecode    SequenceState = "decode"
	StatePreempted SequenceState = "preempted"
	StateCatchup   SequenceState = "catchup"
	StateFinished  SequenceState = "finished"
	StateCancelled SequenceState = "cancelled"
	StateErrored   SequenceState = "errored"
)

// Terminal reports whether no further transition is possible.
func (s SequenceState) Terminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateErrored
}

// transitions lists the legal non-terminal edges. Cancelled and Errored are
// reachable from every non-terminal state and are checked separately. A Catchup
// sequence is never an eviction victim; only Decode sequences are.
var transitions = map[SequenceState]map[SequenceState]bool{
	StateWaiting:   {StatePrefill: true, StateCatchup: true},
	StatePrefill:   {StateDecode: true},
	StateDecode:    {StatePreempted: true, StateFinished: true},
	StatePreempted: {StateCatchup: true},
	StateCatchup:   {StateDecode: true},
}

// StopReason records why a sequence stopped producing tokens.
type StopReason string

const (
	StopNone      StopReason = ""
	StopToken     StopReason = "stop_token"
	StopLength    StopReason = "length"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// Sequence is the mutable generation unit derived from a Request.
//
// tokens is append-only (prompt followed by generated tokens). cursor counts the
// positions whose KV entries are committed to the sequence's block table, so
// cursor <= len(tokens) always holds. All fields are guarded by the engine mutex.
type Sequence struct {
	ID       SequenceID
	Priority int
	Adapter  Adapter

	arrival     uint64 // admission order, for tie-breaking
	arrivalTime time.Time
	sampling    SamplingConfig
	sampler     *sample.Sampler

	tokens    []int
	promptLen int
	cursor    int
	state     SequenceState
	table     *kv.BlockTable

	catchupTarget   int  // cursor value the pending catch-up must reach
	joinStep        int  // first step this sequence may join a shared decode batch
	inFlight        bool // member of a dispatched batch or catch-up sub-batch
	cancelRequested bool
	released        bool // cache released on a terminal transition

	generated     int
	preemptions   int
	evictedBlocks int // blocks freed by the most recent eviction
	stopReason    StopReason
	err           error
	stream        *Stream

	scheduledAt  time.Time
	firstTokenAt time.Time
}

func newSequence(id SequenceID, req Request, arrival uint64, table *kv.BlockTable) *Sequence {
	tokens := make([]int, len(req.Prompt))
	copy(tokens, req.Prompt)
	adapter := req.Adapter
	if adapter == nil {
		adapter = NoAdapter{}
	}
	return &Sequence{
		ID:          id,
		Priority:    req.Priority,
		Adapter:     adapter,
		arrival:     arrival,
		arrivalTime: req.ArrivalTime,
		sampling:    req.Sampling,
		sampler: sample.New(sample.Config{
			Temperature: req.Sampling.Temperature,
			TopK:        req.Sampling.TopK,
			TopP:        req.Sampling.TopP,
			MinP:        req.Sampling.MinP,
			Seed:        req.Sampling.Seed,

			FrequencyPenalty: req.Sampling.FrequencyPenalty,
			PresencePenalty:  req.Sampling.PresencePenalty,
			LogitBias:        req.Sampling.LogitBias,
			Logprobs:         req.Sampling.Logprobs,
			TopLogprobs:      req.Sampling.TopLogprobs,
		}),
		tokens:    tokens,
		promptLen: len(tokens),
		state:     StateWaiting,
		table:     table,
		stream:    newStream(id),
	}
}

// State returns the current lifecycle state.
func (s *Sequence) State() SequenceState { return s.state }

// Cursor returns the number of committed KV positions.
func (s *Sequence) Cursor() int { return s.cursor }

// Len returns the number of tokens (prompt + generated).
func (s *Sequence) Len() int { return len(s.tokens) }

// PromptLen returns the prompt length.
func (s *Sequence) PromptLen() int { return s.promptLen }

// Generated returns the number of generated tokens.
func (s *Sequence) Generated() int { return s.generated }

// Tokens returns a copy of the token list.
func (s *Sequence) Tokens() []int {
	out := make([]int, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// NumBlocks returns the number of cache blocks held.
func (s *Sequence) NumBlocks() int { return s.table.NumBlocks() }

// Arrival returns the admission order.
func (s *Sequence) Arrival() uint64 { return s.arrival }

// ArrivalTime returns the request arrival time.
func (s *Sequence) ArrivalTime() time.Time { return s.arrivalTime }

// StopReason returns why the sequence stopped, or StopNone while live.
func (s *Sequence) StopReason() StopReason { return s.stopReason }

// Pending returns the number of tokens whose KV entries are not yet committed.
func (s *Sequence) Pending() int { return len(s.tokens) - s.cursor }

// decodeReady reports whether the sequence can contribute one position to the
// shared decode batch of step: every position but the freshly sampled tail token
// is committed, and any catch-up it went through committed before this step.
func (s *Sequence) decodeReady(step int) bool {
	return s.state == StateDecode && s.Pending() == 1 && step >= s.joinStep
}

// transition moves the sequence to state to if the state machine allows it.
func (s *Sequence) transition(to SequenceState) error {
	from := s.state
	if from.Terminal() {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s (terminal)", s.ID, from, to)
	}
	if to == StateCancelled || to == StateErrored || transitions[from][to] {
		s.state = to
		return nil
	}
	return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", s.ID, from, to)
}

// mustTransition panics on a forbidden transition; the engine only calls it on
// edges it has already guarded.
func (s *Sequence) mustTransition(to SequenceState) {
	if err := s.transition(to); err != nil {
		panic(err)
	}
}

// advance moves the cursor forward after a commit. The cursor never moves backwards
// except through eviction.
func (s *Sequence) advance(k int) {
	if k < 0 || s.cursor+k > len(s.tokens) {
		panic(fmt.Sprintf("sequence %s: cannot advance cursor %d by %d (len %d)", s.ID, s.cursor, k, len(s.tokens)))
	}
	s.cursor += k
}

// appendToken records a newly sampled token.
func (s *Sequence) appendToken(token int) {
	s.tokens = append(s.tokens, token)
	s.generated++
}

func (s *Sequence) String() string {
	return fmt.Sprintf("Sequence: (ID: %s, State: %s, Cursor: %d, Len: %d, Blocks: %d)", s.ID, s.state, s.cursor, len(s.tokens), s.table.NumBlocks())
}
