package nvme

import (
	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

// Re-export constants for public API
const (
	DefaultMaxIOQueues = constants.DefaultMaxIOQueues
	DefaultQueueDepth  = constants.DefaultQueueDepth
	MaxQueueDepth      = constants.MaxQueueDepth
	MinQueueDepth      = constants.MinQueueDepth
	DoorbellBase       = regs.DOORBELL_BASE
	DoorbellStride     = doorbell.Stride
	MaxIOQueues        = regs.MAX_IO_QUEUES
	SQEntrySize        = regs.SQE_SIZE
	CQEntrySize        = regs.CQE_SIZE
	AdminQueueID       = regs.ADMIN_QID
)
