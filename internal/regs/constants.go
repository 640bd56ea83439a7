// Package regs provides NVMe controller register and queue entry definitions
package regs

// BAR0 controller registers
const (
	REG_CAP   = 0x00 // Controller Capabilities
	REG_VS    = 0x08 // Version
	REG_INTMS = 0x0C // Interrupt Mask Set
	REG_INTMC = 0x10 // Interrupt Mask Clear
	REG_CC    = 0x14 // Controller Configuration
	REG_CSTS  = 0x1C // Controller Status
	REG_NSSR  = 0x20 // NVM Subsystem Reset
	REG_AQA   = 0x24 // Admin Queue Attributes
	REG_ASQ   = 0x28 // Admin Submission Queue Base Address
	REG_ACQ   = 0x30 // Admin Completion Queue Base Address
)

// Doorbell register layout
const (
	DOORBELL_BASE        = 0x1000
	DOORBELL_STRIDE_BITS = 2 // CAP.DSTRD = 0, 4-byte stride

	// MAX_IO_QUEUES is the highest I/O queue id whose doorbells fit below
	// the end of the 16-bit BAR0 window
	MAX_IO_QUEUES = (0x10000-DOORBELL_BASE)>>(DOORBELL_STRIDE_BITS+1) - 1
)

// Queue entry sizes
const (
	SQE_SIZE = 64 // submission queue entry
	CQE_SIZE = 16 // completion queue entry

	MAX_QUEUE_ENTRIES = 65536
	ADMIN_QID         = 0
)

// CSTS bits
const (
	CSTS_RDY = 1 << 0 // Ready
	CSTS_CFS = 1 << 1 // Controller Fatal Status
)

// NVM command set opcodes
const (
	NVM_OP_FLUSH = 0x00
	NVM_OP_WRITE = 0x01
	NVM_OP_READ  = 0x02
)

// Status code types
const (
	SCT_GENERIC          = 0x0
	SCT_COMMAND_SPECIFIC = 0x1
	SCT_MEDIA_ERROR      = 0x2
)

// Generic status codes
const (
	SC_SUCCESS                = 0x00
	SC_INVALID_COMMAND_OPCODE = 0x01
	SC_INVALID_FIELD          = 0x02
	SC_DATA_TRANSFER_ERROR    = 0x04
	SC_INTERNAL_ERROR         = 0x06
	SC_ABORTED_SQ_DELETION    = 0x08
)
