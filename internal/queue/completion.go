package queue

import (
	"fmt"

	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/interfaces"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

// CompletionQueue posts completion entries into a guest ring and waits on
// the completion queue head doorbell when the ring is full
type CompletionQueue struct {
	head   *doorbell.State
	mem    interfaces.GuestMemory
	intr   interfaces.Interrupter
	gpa    uint64
	depth  uint32
	tail   uint32
	headv  uint32
	phase  bool
	vector uint16
	buf    [regs.CQE_SIZE]byte
}

// NewCompletionQueue creates a completion queue over the ring at gpa. The
// queue takes ownership of the head doorbell state. intr may be nil.
func NewCompletionQueue(head *doorbell.State, mem interfaces.GuestMemory, intr interfaces.Interrupter, gpa uint64, depth uint32, vector uint16) *CompletionQueue {
	return &CompletionQueue{
		head:   head,
		mem:    mem,
		intr:   intr,
		gpa:    gpa,
		depth:  depth,
		phase:  true,
		vector: vector,
	}
}

// Tail returns the index of the next entry to post
func (q *CompletionQueue) Tail() uint32 {
	return q.tail
}

// Phase returns the phase bit the next entry is posted with
func (q *CompletionQueue) Phase() bool {
	return q.phase
}

// Space returns the number of entries that can be posted before the ring
// is full, based on the last head value read
func (q *CompletionQueue) Space() uint32 {
	return q.depth - 1 - ringDelta(q.tail, q.headv, q.depth)
}

func (q *CompletionQueue) full() bool {
	next := q.tail + 1
	if next == q.depth {
		next = 0
	}
	return next == q.headv
}

// Write posts c. When the ring is full it polls the head doorbell with w
// and returns false if the guest has not freed a slot yet.
//
// An error with posted=true means the entry is in guest memory but the
// interrupt could not be raised.
func (q *CompletionQueue) Write(w doorbell.Waker, c *regs.Completion) (posted bool, err error) {
	for q.full() {
		v, ready := q.head.Poll(w)
		if !ready {
			return false, nil
		}
		if v >= q.depth {
			return false, fmt.Errorf("%w: cq head %d, depth %d", ErrInvalidDoorbellValue, v, q.depth)
		}
		q.headv = v
	}

	off := int64(q.gpa) + int64(q.tail)*regs.CQE_SIZE
	regs.EncodeCompletion(q.buf[:], c, q.phase)

	// The guest may be polling the phase bit; publish DW3 last
	if _, err := q.mem.WriteAt(q.buf[:12], off); err != nil {
		return false, fmt.Errorf("write cqe %d at %#x: %w", q.tail, off, err)
	}
	storeFence()
	if _, err := q.mem.WriteAt(q.buf[12:], off+12); err != nil {
		return false, fmt.Errorf("write cqe %d status at %#x: %w", q.tail, off+12, err)
	}

	q.tail++
	if q.tail == q.depth {
		q.tail = 0
		q.phase = !q.phase
	}

	if q.intr != nil {
		if err := q.intr.Signal(q.vector); err != nil {
			return true, fmt.Errorf("signal vector %d: %w", q.vector, err)
		}
	}
	return true, nil
}

// Close releases the head doorbell
func (q *CompletionQueue) Close() {
	q.head.Close()
}
