package ctrl

import (
	"time"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/interfaces"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/queue"
)

type ControllerParams struct {
	Memory      interfaces.GuestMemory
	Handler     interfaces.CommandHandler
	Interrupter interfaces.Interrupter

	ControllerID int
	MaxIOQueues  int

	// Region optionally backs the doorbell registers, e.g. a mapping the
	// hypervisor shares with the guest. See doorbell.Config.
	Region []byte

	Observer interfaces.Observer
	Logger   *logging.Logger

	// QueueStopTimeout bounds how long deleting a queue pair waits for its
	// task to exit (default constants.QueueStopTimeout)
	QueueStopTimeout time.Duration

	// SQFaultInjector is installed on every queue pair (optional)
	SQFaultInjector queue.FaultInjector
}

func DefaultControllerParams(mem interfaces.GuestMemory, handler interfaces.CommandHandler) ControllerParams {
	return ControllerParams{
		Memory:       mem,
		Handler:      handler,
		ControllerID: constants.DefaultControllerID,
		MaxIOQueues:  constants.DefaultMaxIOQueues,
	}
}

// QueuePairParams describes one submission/completion queue pair as set up
// by the guest's create queue commands
type QueuePairParams struct {
	QueueID uint16
	SQ      queue.RingConfig
	CQ      queue.RingConfig
	Vector  uint16
}

type Info struct {
	ControllerID int
	MaxIOQueues  int
	Doorbells    int
	Queues       []uint16
	Fatal        bool
}
