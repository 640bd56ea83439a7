// Package nvme emulates the doorbell side of an NVMe controller: the guest's
// MMIO writes to the doorbell registers wake the queue tasks that fetch
// submission entries and post completions.
package nvme

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/ctrl"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/queue"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

// Params contains parameters for creating a controller
type Params struct {
	// GuestMemory holds the submission and completion rings
	GuestMemory GuestMemory

	// Handler executes fetched commands
	Handler CommandHandler

	// Interrupter raises completion interrupts (optional)
	Interrupter Interrupter

	MaxIOQueues   int    // I/O queue pairs besides the admin pair (default: 4)
	MaxQueueDepth uint32 // Largest ring accepted by CreateIOQueuePair (default: 65536)
	ControllerID  int    // Identifies the controller in logs
}

// DefaultParams returns default controller parameters. Handler must be set
// before calling New.
func DefaultParams(mem GuestMemory) Params {
	return Params{
		GuestMemory:   mem,
		MaxIOQueues:   constants.DefaultMaxIOQueues,
		MaxQueueDepth: constants.MaxQueueDepth,
		ControllerID:  constants.DefaultControllerID,
	}
}

// Validate checks the parameters
func (p Params) Validate() error {
	switch {
	case p.GuestMemory == nil:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "guest memory is required")
	case p.Handler == nil:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "command handler is required")
	case p.MaxIOQueues < 0 || p.MaxIOQueues > MaxIOQueues:
		return NewError("VALIDATE", ErrCodeInvalidParameters, fmt.Sprintf("max I/O queues %d not in [0,%d]", p.MaxIOQueues, MaxIOQueues))
	case p.MaxQueueDepth < constants.MinQueueDepth || p.MaxQueueDepth > constants.MaxQueueDepth:
		return NewError("VALIDATE", ErrCodeInvalidParameters, fmt.Sprintf("max queue depth %d out of range", p.MaxQueueDepth))
	}
	return nil
}

// Options contains additional options for controller creation
type Options struct {
	// Context for cancellation (if nil, uses the context passed to New)
	Context context.Context

	// Logger for controller and queue messages (if nil, uses the default logger)
	Logger *Logger

	// Observer for metrics collection (if nil, records into Metrics)
	Observer Observer

	// Region optionally backs the doorbell registers, e.g. memory shared
	// with the hypervisor. It must hold 4 bytes per doorbell.
	Region []byte

	// QueueStopTimeout bounds how long DeleteIOQueuePair waits for a queue
	// task to exit (default 5s)
	QueueStopTimeout time.Duration

	// SQFaultInjector rewrites submitted commands for fault testing
	SQFaultInjector SQFaultInjector
}

// QueuePair places one I/O submission/completion queue pair in guest memory
type QueuePair struct {
	ID     uint16
	SQAddr uint64 // guest physical address of the submission ring
	SQSize uint32 // entries
	CQAddr uint64 // guest physical address of the completion ring
	CQSize uint32 // entries
	Vector uint16 // completion interrupt vector
}

// Controller is an emulated NVMe controller's doorbell and queue engine
type Controller struct {
	ctrl     *ctrl.Controller
	params   Params
	metrics  *Metrics
	observer Observer
	logger   *Logger

	closeOnce sync.Once
}

// New creates a controller with no queue pairs. The guest's admin queue is
// created like any other pair, with ID AdminQueueID.
//
// Example:
//
//	mem := guestmem.NewMemory(64 << 20)
//	params := nvme.DefaultParams(mem)
//	params.Handler = handler
//	c, err := nvme.New(context.Background(), params, nil)
func New(ctx context.Context, params Params, options *Options) (*Controller, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	c, err := ctrl.NewController(ctx, ctrl.ControllerParams{
		Memory:           params.GuestMemory,
		Handler:          params.Handler,
		Interrupter:      params.Interrupter,
		ControllerID:     params.ControllerID,
		MaxIOQueues:      params.MaxIOQueues,
		Region:           options.Region,
		Observer:         observer,
		Logger:           logger,
		QueueStopTimeout: options.QueueStopTimeout,
		SQFaultInjector:  options.SQFaultInjector,
	})
	if err != nil {
		return nil, WrapError("CREATE", err)
	}

	logger.Info("controller created",
		"controller", params.ControllerID,
		"max_io_queues", params.MaxIOQueues,
		"doorbells", regs.DoorbellCount(params.MaxIOQueues))

	return &Controller{
		ctrl:     c,
		params:   params,
		metrics:  metrics,
		observer: observer,
		logger:   logger,
	}, nil
}

// WriteBAR0 handles a guest MMIO write to BAR0. Writes in the doorbell range
// update the doorbell and wake the owning queue. Writes to doorbells past
// MaxIOQueues are logged (rate limited) and dropped.
func (c *Controller) WriteBAR0(addr uint16, data []byte) error {
	if err := c.ctrl.WriteBAR0(addr, data); err != nil {
		return WrapError("WRITE_BAR0", err)
	}
	return nil
}

// ReadBAR0 handles a guest MMIO read from BAR0. Doorbells read as zero.
func (c *Controller) ReadBAR0(addr uint16, data []byte) error {
	if err := c.ctrl.ReadBAR0(addr, data); err != nil {
		return WrapError("READ_BAR0", err)
	}
	return nil
}

// CreateIOQueuePair starts serving a queue pair. Both of its doorbells are
// reset to zero first.
func (c *Controller) CreateIOQueuePair(pair QueuePair) error {
	if pair.SQSize > c.params.MaxQueueDepth || pair.CQSize > c.params.MaxQueueDepth {
		return NewQueueError("CREATE_QUEUE", int(pair.ID), ErrCodeInvalidParameters,
			fmt.Sprintf("queue size exceeds %d entries", c.params.MaxQueueDepth))
	}
	err := c.ctrl.CreateQueuePair(ctrl.QueuePairParams{
		QueueID: pair.ID,
		SQ:      queue.RingConfig{GPA: pair.SQAddr, Depth: pair.SQSize},
		CQ:      queue.RingConfig{GPA: pair.CQAddr, Depth: pair.CQSize},
		Vector:  pair.Vector,
	})
	if err != nil {
		return wrapQueueError("CREATE_QUEUE", int(pair.ID), err)
	}
	return nil
}

// DeleteIOQueuePair stops serving a queue pair and waits for its task to exit
func (c *Controller) DeleteIOQueuePair(id uint16) error {
	if err := c.ctrl.DeleteQueuePair(id); err != nil {
		return wrapQueueError("DELETE_QUEUE", int(id), err)
	}
	return nil
}

// Reset deletes every queue pair, zeroes the doorbells and clears a fatal
// status
func (c *Controller) Reset() error {
	if err := c.ctrl.Reset(); err != nil {
		return WrapError("RESET", err)
	}
	return nil
}

// Close stops all queue tasks and releases the doorbells
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.metrics.Stop()
		if cerr := c.ctrl.Close(); cerr != nil {
			err = WrapError("CLOSE", cerr)
		}
		c.logger.Info("controller closed", "controller", c.params.ControllerID)
	})
	return err
}

// Fatal returns the guest error that put the controller into the fatal
// state (CSTS.CFS), or nil. Reset clears it.
func (c *Controller) Fatal() error {
	if err := c.ctrl.Fatal(); err != nil {
		return wrapQueueError("QUEUE", -1, err)
	}
	return nil
}

// Doorbells returns the current value of every doorbell, indexed as in the
// register map: 2*qid is the SQ tail, 2*qid+1 the CQ head
func (c *Controller) Doorbells() []uint32 {
	return c.ctrl.Doorbells().Snapshot()
}

// ControllerInfo contains information about a controller
type ControllerInfo struct {
	ID            int      `json:"id"`
	MaxIOQueues   int      `json:"max_io_queues"`
	MaxQueueDepth uint32   `json:"max_queue_depth"`
	Doorbells     int      `json:"doorbells"`
	Queues        []uint16 `json:"queues"`
	Fatal         bool     `json:"fatal"`
}

func (c *Controller) Info() ControllerInfo {
	info := c.ctrl.Info()
	return ControllerInfo{
		ID:            info.ControllerID,
		MaxIOQueues:   info.MaxIOQueues,
		MaxQueueDepth: c.params.MaxQueueDepth,
		Doorbells:     info.Doorbells,
		Queues:        info.Queues,
		Fatal:         info.Fatal,
	}
}

// Metrics returns the controller's metrics. They stay empty when a custom
// Observer was supplied.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}
