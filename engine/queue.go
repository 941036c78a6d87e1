package engine

import (
	"fmt"
	"slices"
	"strings"
)

// WaitQueue holds every live sequence that owns no cache blocks. Submit appends
// new Waiting sequences at the back; the scheduler puts evicted (Preempted)
// sequences back at the front so their rebuild is attempted before any new
// prefill. Admission consumes the queue from the front only, which is what makes
// head-of-line blocking preserve arrival order.
//
// Cancellation and admission timeouts remove sequences from the middle. The queue
// is not safe for concurrent use; the engine lock guards it.
type WaitQueue struct {
	queue []*Sequence
}

// Enqueue appends a newly submitted sequence.
func (wq *WaitQueue) Enqueue(s *Sequence) {
	wq.queue = append(wq.queue, s)
}

// String lists the queued sequence ids front to back, e.g. "[b a c]".
func (wq *WaitQueue) String() string {
	ids := make([]string, len(wq.queue))
	for i, s := range wq.queue {
		ids[i] = string(s.ID)
	}
	return "[" + strings.Join(ids, " ") + "]"
}

// Len returns the number of queued sequences.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the next sequence admission would consider, or nil.
func (wq *WaitQueue) Peek() *Sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// PrependFront requeues an evicted sequence ahead of everything already waiting.
func (wq *WaitQueue) PrependFront(s *Sequence) {
	if s == nil {
		panic("wait queue: PrependFront of nil sequence")
	}
	wq.queue = slices.Insert(wq.queue, 0, s)
}

// Items exposes the queued sequences front to back. The slice aliases the queue:
// range over it, never append to it. Use Reorder to change the order.
func (wq *WaitQueue) Items() []*Sequence {
	return wq.queue
}

// Reorder lets fn permute the queue in place, as AdmissionPolicy.OrderQueue does
// before every admission pass. It panics if fn changes the length.
func (wq *WaitQueue) Reorder(fn func([]*Sequence)) {
	if fn == nil {
		panic("wait queue: Reorder with nil fn")
	}
	n := len(wq.queue)
	fn(wq.queue)
	if len(wq.queue) != n {
		panic(fmt.Sprintf("wait queue: Reorder changed length from %d to %d", n, len(wq.queue)))
	}
}

// Dequeue pops the front sequence once it has been admitted. It returns nil on an
// empty queue.
func (wq *WaitQueue) Dequeue() *Sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	s := wq.queue[0]
	wq.queue = slices.Delete(wq.queue, 0, 1)
	return s
}

// Remove takes s out of the queue wherever it sits, for a cancel or an admission
// timeout of a sequence that never got cache. It reports whether s was queued.
func (wq *WaitQueue) Remove(s *Sequence) bool {
	i := slices.Index(wq.queue, s)
	if i < 0 {
		return false
	}
	wq.queue = slices.Delete(wq.queue, i, i+1)
	return true
}
