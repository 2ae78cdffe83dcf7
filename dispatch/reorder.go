package dispatch

import (
	"github.com/c360/diffract/stream"
)

// reorderBuffer holds completed chunks until the next expected serial is
// available, so the stream stays in strictly increasing serial order.
// Failed serials occupy no storage; they are simply skipped. The buffer is
// bounded: the dispatcher refuses new work that would extend it past the
// bound (back-pressure on dequeue, never dropped records).
type reorderBuffer struct {
	next    uint64
	bound   uint64
	pending map[uint64]*stream.Record
	skipped map[uint64]bool
}

func newReorderBuffer(first uint64, bound int) *reorderBuffer {
	return &reorderBuffer{
		next:    first,
		bound:   uint64(bound),
		pending: make(map[uint64]*stream.Record),
		skipped: make(map[uint64]bool),
	}
}

// canAccept reports whether assigning this serial keeps the buffer within
// its bound once the result comes back.
func (rb *reorderBuffer) canAccept(serial uint64) bool {
	return serial < rb.next+rb.bound
}

// add stores a completed chunk.
func (rb *reorderBuffer) add(serial uint64, rec *stream.Record) {
	rb.pending[serial] = rec
}

// skip marks a serial as failed; the slot flushes as a gap.
func (rb *reorderBuffer) skip(serial uint64) {
	rb.skipped[serial] = true
}

// flush returns the records ready to write, in serial order, advancing
// past failed serials.
func (rb *reorderBuffer) flush() []*stream.Record {
	var out []*stream.Record
	for {
		if rec, ok := rb.pending[rb.next]; ok {
			out = append(out, rec)
			delete(rb.pending, rb.next)
			rb.next++
			continue
		}
		if rb.skipped[rb.next] {
			delete(rb.skipped, rb.next)
			rb.next++
			continue
		}
		return out
	}
}

// empty reports whether nothing is buffered or skipped.
func (rb *reorderBuffer) empty() bool {
	return len(rb.pending) == 0 && len(rb.skipped) == 0
}
