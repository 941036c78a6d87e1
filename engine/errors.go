package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/inference-sim/inference-engine/engine/kv"
)

var (
	// ErrOutOfCache is retryable: the scheduler defers the requesting sequence.
	ErrOutOfCache = kv.ErrOutOfCache

	// ErrRequestRejected is returned by Submit for requests that can never be admitted.
	ErrRequestRejected = errors.New("request rejected")

	// ErrCancelled terminates the stream of a cancelled sequence.
	ErrCancelled = errors.New("sequence cancelled")

	// ErrAdmissionTimeout errors a sequence that stayed Waiting past the admission timeout.
	ErrAdmissionTimeout = errors.Wrap(ErrOutOfCache, "admission timeout exceeded")

	// ErrInvalidTransition reports a state change the sequence state machine forbids.
	ErrInvalidTransition = errors.New("invalid sequence state transition")

	// ErrUnknownSequence is returned for IDs that were never submitted or whose
	// stream was already claimed.
	ErrUnknownSequence = errors.New("unknown sequence")

	// ErrEngineClosed is returned by Submit after Close. It is a rejection.
	ErrEngineClosed = errors.Wrap(ErrRequestRejected, "engine closed")
)

// BackendExecutionError reports a failed execution of a whole batch. Every sequence
// in the batch is errored; sibling batches are unaffected.
type BackendExecutionError struct {
	Step  int
	Kind  string // "main" or "catchup"
	Cause error
}

func (e *BackendExecutionError) Error() string {
	return fmt.Sprintf("backend execution failed (step %d, %s batch): %v", e.Step, e.Kind, e.Cause)
}

func (e *BackendExecutionError) Unwrap() error {
	return e.Cause
}

// rejectf wraps ErrRequestRejected with a reason.
func rejectf(format string, args ...any) error {
	return errors.Wrapf(ErrRequestRejected, format, args...)
}
