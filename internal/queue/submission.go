package queue

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/interfaces"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

var (
	// ErrInvalidDoorbellValue is a guest error: a head or tail outside the ring
	ErrInvalidDoorbellValue = errors.New("invalid doorbell value")

	// ErrInvalidQueueConfig reports an unusable ring size or placement
	ErrInvalidQueueConfig = errors.New("invalid queue configuration")
)

// ringDelta returns how far a ring index moved from old to next, modulo depth
func ringDelta(next, old, depth uint32) uint32 {
	return (next + depth - old) % depth
}

// SubmissionQueue consumes the entries a guest publishes by advancing the
// submission queue tail doorbell
type SubmissionQueue struct {
	tail  *doorbell.State
	mem   interfaces.GuestMemory
	gpa   uint64
	depth uint32
	head  uint32
	tailv uint32
	buf   [regs.SQE_SIZE]byte
}

// NewSubmissionQueue creates a submission queue over the ring at gpa. The
// queue takes ownership of the tail doorbell state.
func NewSubmissionQueue(tail *doorbell.State, mem interfaces.GuestMemory, gpa uint64, depth uint32) *SubmissionQueue {
	return &SubmissionQueue{
		tail:  tail,
		mem:   mem,
		gpa:   gpa,
		depth: depth,
	}
}

// Head returns the index of the next entry to fetch
func (q *SubmissionQueue) Head() uint32 {
	return q.head
}

// Tail returns the last tail value read from the doorbell
func (q *SubmissionQueue) Tail() uint32 {
	return q.tailv
}

// Pending returns the number of published entries not yet fetched
func (q *SubmissionQueue) Pending() uint32 {
	return ringDelta(q.tailv, q.head, q.depth)
}

// Next fetches the next command into cmd. When the ring is empty it polls
// the tail doorbell with w and returns false if nothing new was published;
// w is then woken by the guest's next tail write.
func (q *SubmissionQueue) Next(w doorbell.Waker, cmd *regs.Command) (bool, error) {
	for q.head == q.tailv {
		v, ready := q.tail.Poll(w)
		if !ready {
			return false, nil
		}
		if v >= q.depth {
			return false, fmt.Errorf("%w: sq tail %d, depth %d", ErrInvalidDoorbellValue, v, q.depth)
		}
		q.tailv = v
	}

	off := int64(q.gpa) + int64(q.head)*regs.SQE_SIZE
	if _, err := q.mem.ReadAt(q.buf[:], off); err != nil {
		return false, fmt.Errorf("read sqe %d at %#x: %w", q.head, off, err)
	}
	if err := regs.DecodeCommand(q.buf[:], cmd); err != nil {
		return false, err
	}

	q.head++
	if q.head == q.depth {
		q.head = 0
	}
	return true, nil
}

// Rewrite replaces the entry most recently returned by Next, both in guest
// memory and in cmd, so the guest observes the command that was executed
func (q *SubmissionQueue) Rewrite(cmd *regs.Command) error {
	slot := (q.head + q.depth - 1) % q.depth
	off := int64(q.gpa) + int64(slot)*regs.SQE_SIZE
	regs.EncodeCommand(q.buf[:], cmd)
	if _, err := q.mem.WriteAt(q.buf[:], off); err != nil {
		return fmt.Errorf("write sqe %d at %#x: %w", slot, off, err)
	}
	return nil
}

// Close releases the tail doorbell
func (q *SubmissionQueue) Close() {
	q.tail.Close()
}
