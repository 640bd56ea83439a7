package interfaces

import (
	"context"

	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

// GuestMemory is the guest physical address space seen by the controller.
// Queue tasks read submission entries from it and write completion entries
// into it. The signatures mirror io.ReaderAt and io.WriterAt.
type GuestMemory interface {
	// ReadAt reads len(p) bytes at guest physical address off.
	// A short read returns a non-nil error.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes at guest physical address off.
	// A short write returns a non-nil error.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of guest memory in bytes
	Size() int64
}

// StatMemory is an optional interface that exposes guest memory statistics
type StatMemory interface {
	GuestMemory

	// Stats returns implementation-specific statistics
	Stats() map[string]interface{}
}

// CommandHandler executes commands fetched from a submission queue. The
// returned completion's SQHead, SQID and CID fields are filled in by the
// queue task.
//
// HandleCommand runs on the queue task; blocking here stalls the queue.
type CommandHandler interface {
	HandleCommand(ctx context.Context, qid uint16, cmd *regs.Command) regs.Completion
}

// Interrupter delivers completion interrupts to the guest
type Interrupter interface {
	// Signal raises the interrupt for vector. It must not block for long;
	// it runs on the queue task after every posted completion.
	Signal(vector uint16) error
}

// Observer receives controller and queue events for metrics collection.
// Implementations must be safe for concurrent use.
type Observer interface {
	doorbell.Observer

	// ObserveUnknownDoorbell is called for writes to doorbells past the
	// configured queue count
	ObserveUnknownDoorbell(index int)

	// ObserveCommand is called after the handler returns
	ObserveCommand(qid uint16, latencyNs uint64, success bool)

	// ObserveCompletion is called after a completion entry is posted
	ObserveCompletion(qid uint16)

	// ObserveCompletionQueueFull is called when a completion has to wait
	// for the guest to advance the completion queue head
	ObserveCompletionQueueFull(qid uint16)
}
