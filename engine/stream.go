package engine

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/inference-sim/inference-engine/engine/sample"
)

// Token is one streamed token. Logprobs is set only when the request enabled
// SamplingConfig.Logprobs.
type Token struct {
	ID       int
	Logprobs *Logprobs
}

// Logprobs describes the distribution a token was drawn from.
type Logprobs struct {
	Logprob float64               // of the chosen token
	Top     []sample.TokenLogprob // SamplingConfig.TopLogprobs most likely tokens
}

// Stream is the finite token stream of one sequence, returned by Engine.Poll.
// Tokens are buffered without bound so the batching loop never blocks on a slow
// consumer. A Stream is not restartable.
type Stream struct {
	id SequenceID

	mu     sync.Mutex
	tokens []Token
	done   bool
	err    error         // terminal error; nil means normal stop
	notify chan struct{} // closed and replaced on every push or close
}

func newStream(id SequenceID) *Stream {
	return &Stream{id: id, notify: make(chan struct{})}
}

// ID returns the sequence the stream belongs to.
func (s *Stream) ID() SequenceID { return s.id }

// push buffers a token without log probabilities.
func (s *Stream) push(token int) { s.pushToken(Token{ID: token}) }

// pushToken buffers one token. Pushing after close is a programming error.
func (s *Stream) pushToken(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		panic("stream " + string(s.id) + ": push after close")
	}
	s.tokens = append(s.tokens, token)
	s.wake()
}

// close terminates the stream. A nil err ends it with io.EOF once drained.
// Only the first call has effect.
func (s *Stream) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.wake()
}

// wake must be called with mu held.
func (s *Stream) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Next blocks until a token is available and returns its id. After the last token
// it returns io.EOF on a normal stop, ErrCancelled after cancellation, or the error
// that terminated the sequence. It returns ctx.Err() if ctx ends first.
func (s *Stream) Next(ctx context.Context) (int, error) {
	tok, err := s.NextToken(ctx)
	return tok.ID, err
}

// NextToken is Next with the token's log probabilities, when requested.
func (s *Stream) NextToken(ctx context.Context) (Token, error) {
	for {
		s.mu.Lock()
		if len(s.tokens) > 0 {
			tok := s.tokens[0]
			s.tokens = s.tokens[1:]
			s.mu.Unlock()
			return tok, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return Token{ID: -1}, io.EOF
			}
			return Token{ID: -1}, err
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Token{ID: -1}, ctx.Err()
		}
	}
}

// Tokens returns an iterator over the remaining tokens. Iteration ends after the
// last token on a normal stop; otherwise the final pair carries the error.
func (s *Stream) Tokens(ctx context.Context) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for {
			tok, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(tok, err)
				return
			}
			if !yield(tok, nil) {
				return
			}
		}
	}
}

// Collect drains the stream and returns every remaining token. The error is nil on
// a normal stop.
func (s *Stream) Collect(ctx context.Context) ([]int, error) {
	var out []int
	for tok, err := range s.Tokens(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, tok)
	}
	return out, nil
}
