package constants

import "time"

// Default configuration constants
const (
	// DefaultMaxIOQueues is the default number of I/O queue pairs
	DefaultMaxIOQueues = 4

	// DefaultQueueDepth is the default number of entries per queue
	DefaultQueueDepth = 256

	// MaxQueueDepth is the largest queue size NVMe can express (CAP.MQES+1)
	MaxQueueDepth = 65536

	// MinQueueDepth is the smallest usable ring (one slot is always empty)
	MinQueueDepth = 2

	// DefaultControllerID identifies the controller in logs
	DefaultControllerID = 0
)

// Timing constants for queue lifecycle
const (
	// QueueStopTimeout bounds how long DeleteQueuePair waits for a runner
	QueueStopTimeout = 5 * time.Second

	// UnknownDoorbellWarnInterval is the minimum spacing of "unknown doorbell" warnings
	UnknownDoorbellWarnInterval = time.Second

	// UnknownDoorbellWarnBurst is the number of warnings allowed back to back
	UnknownDoorbellWarnBurst = 5
)

// Interrupt delivery constants
const (
	// DefaultNotifierEntries is the io_uring size for interrupt signalling
	DefaultNotifierEntries = 64
)
