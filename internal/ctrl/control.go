package ctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/interfaces"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/queue"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

var (
	ErrInvalidRegister   = errors.New("misaligned register access")
	ErrInvalidAccessSize = errors.New("invalid register access size")
	ErrUnhandledRegister = errors.New("register not handled by the doorbell path")
	ErrInvalidQueueID    = errors.New("queue id out of range")
	ErrQueueExists       = errors.New("queue pair already exists")
	ErrQueueNotFound     = errors.New("queue pair not found")
	ErrControllerFatal   = errors.New("controller in fatal state")
	ErrStopTimeout       = errors.New("timed out stopping queue pair")
	ErrClosed            = errors.New("controller closed")
)

// Controller owns the doorbell register file of one emulated NVMe
// controller and the queue tasks consuming it. WriteBAR0 is the MMIO
// intercept: it may be called from any number of vCPU goroutines.
type Controller struct {
	id          int
	maxIOQueues int
	doorbells   *doorbell.Memory

	mem      interfaces.GuestMemory
	handler  interfaces.CommandHandler
	intr     interfaces.Interrupter
	observer interfaces.Observer
	logger   *logging.Logger

	// limits "unknown doorbell" warnings
	warn *rate.Limiter

	stopTimeout time.Duration
	inject      queue.FaultInjector

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[uint16]*queue.Runner
	closed bool

	fatal    atomic.Bool
	faultMu  sync.Mutex
	faultErr error
}

// NewController creates a controller with all doorbells zeroed and no
// queue pairs
func NewController(ctx context.Context, params ControllerParams) (*Controller, error) {
	if params.Memory == nil {
		return nil, errors.New("guest memory is required")
	}
	if params.Handler == nil {
		return nil, errors.New("command handler is required")
	}
	if params.MaxIOQueues < 0 || params.MaxIOQueues > regs.MAX_IO_QUEUES {
		return nil, fmt.Errorf("%w: max I/O queues %d exceeds %d", ErrInvalidQueueID, params.MaxIOQueues, regs.MAX_IO_QUEUES)
	}

	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithController(params.ControllerID)

	var dbObserver doorbell.Observer
	if params.Observer != nil {
		dbObserver = params.Observer
	}
	db, err := doorbell.New(doorbell.Config{
		Count:    regs.DoorbellCount(params.MaxIOQueues),
		Region:   params.Region,
		Observer: dbObserver,
	})
	if err != nil {
		return nil, err
	}

	stopTimeout := params.QueueStopTimeout
	if stopTimeout <= 0 {
		stopTimeout = constants.QueueStopTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	logger.Debug("controller created",
		"max_io_queues", params.MaxIOQueues,
		"doorbells", db.Len())

	return &Controller{
		id:          params.ControllerID,
		maxIOQueues: params.MaxIOQueues,
		doorbells:   db,
		mem:         params.Memory,
		handler:     params.Handler,
		intr:        params.Interrupter,
		observer:    params.Observer,
		logger:      logger,
		warn:        rate.NewLimiter(rate.Every(constants.UnknownDoorbellWarnInterval), constants.UnknownDoorbellWarnBurst),
		stopTimeout: stopTimeout,
		inject:      params.SQFaultInjector,
		ctx:         ctx,
		cancel:      cancel,
		queues:      make(map[uint16]*queue.Runner),
	}, nil
}

// Doorbells exposes the register file for diagnostics. Callers must not
// Bind indices that belong to queue pairs.
func (c *Controller) Doorbells() *doorbell.Memory {
	return c.doorbells
}

// WriteBAR0 handles a guest write to BAR0 at addr. Only the doorbell range
// is handled here; lower offsets return ErrUnhandledRegister for the
// controller register emulation to deal with.
func (c *Controller) WriteBAR0(addr uint16, data []byte) error {
	if !regs.IsDoorbell(addr) {
		return fmt.Errorf("%w: %#x", ErrUnhandledRegister, addr)
	}
	index, ok := regs.DoorbellIndex(addr)
	if !ok {
		return fmt.Errorf("%w: doorbell offset %#x", ErrInvalidRegister, addr)
	}
	if len(data) != 4 {
		return fmt.Errorf("%w: %d byte doorbell write at %#x", ErrInvalidAccessSize, len(data), addr)
	}
	value := binary.LittleEndian.Uint32(data)

	if index >= c.doorbells.Len() {
		if c.observer != nil {
			c.observer.ObserveUnknownDoorbell(index)
		}
		if c.warn.Allow() {
			c.logger.WithDoorbell(index).UnknownDoorbell(value)
		}
		return nil
	}

	c.doorbells.Write(index, value)
	return nil
}

// ReadBAR0 handles a guest read from BAR0. Doorbells are write-only and read
// as zero. CSTS reports readiness and the fatal status bit.
func (c *Controller) ReadBAR0(addr uint16, data []byte) error {
	switch {
	case regs.IsDoorbell(addr):
		if _, ok := regs.DoorbellIndex(addr); !ok {
			return fmt.Errorf("%w: doorbell offset %#x", ErrInvalidRegister, addr)
		}
		if len(data) != 4 {
			return fmt.Errorf("%w: %d byte doorbell read at %#x", ErrInvalidAccessSize, len(data), addr)
		}
		clear(data)
		return nil
	case addr == regs.REG_CSTS:
		if len(data) != 4 {
			return fmt.Errorf("%w: %d byte CSTS read", ErrInvalidAccessSize, len(data))
		}
		binary.LittleEndian.PutUint32(data, c.csts())
		return nil
	default:
		return fmt.Errorf("%w: %#x", ErrUnhandledRegister, addr)
	}
}

func (c *Controller) csts() uint32 {
	var v uint32
	c.mu.Lock()
	if !c.closed {
		v |= regs.CSTS_RDY
	}
	c.mu.Unlock()
	if c.fatal.Load() {
		v |= regs.CSTS_CFS
	}
	return v
}

// CreateQueuePair zeroes the pair's doorbells and starts its queue task
func (c *Controller) CreateQueuePair(p QueuePairParams) error {
	if int(p.QueueID) > c.maxIOQueues {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidQueueID, p.QueueID, c.maxIOQueues)
	}
	if c.fatal.Load() {
		return ErrControllerFatal
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.queues[p.QueueID]; ok {
		return fmt.Errorf("%w: %d", ErrQueueExists, p.QueueID)
	}

	// New queues start empty: head == tail == 0
	c.doorbells.Write(regs.SQTailDoorbell(p.QueueID), 0)
	c.doorbells.Write(regs.CQHeadDoorbell(p.QueueID), 0)

	runner, err := queue.NewRunner(c.ctx, queue.Config{
		QueueID:         p.QueueID,
		SQ:              p.SQ,
		CQ:              p.CQ,
		Vector:          p.Vector,
		Doorbells:       c.doorbells,
		Memory:          c.mem,
		Handler:         c.handler,
		Interrupter:     c.intr,
		Observer:        c.observer,
		Logger:          c.logger.WithQueue(p.QueueID),
		OnFault:         c.onFault,
		SQFaultInjector: c.inject,
	})
	if err != nil {
		return fmt.Errorf("create queue pair %d: %w", p.QueueID, err)
	}
	if err := runner.Start(); err != nil {
		runner.Close()
		return fmt.Errorf("start queue pair %d: %w", p.QueueID, err)
	}

	c.queues[p.QueueID] = runner
	c.logger.QueueEvent(p.QueueID, "created",
		"sq_depth", p.SQ.Depth,
		"cq_depth", p.CQ.Depth,
		"vector", p.Vector)
	return nil
}

// DeleteQueuePair stops the pair's queue task and releases its doorbells.
// If the task does not exit within the stop timeout the pair stays
// registered, still owning its doorbells, and ErrStopTimeout is returned;
// the delete can be retried.
func (c *Controller) DeleteQueuePair(qid uint16) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	runner, ok := c.queues[qid]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrQueueNotFound, qid)
	}

	if err := c.stopQueue(qid, runner); err != nil {
		return err
	}
	c.logger.QueueEvent(qid, "deleted")
	return nil
}

// stopQueue stops r and unregisters it once its goroutine has exited
func (c *Controller) stopQueue(qid uint16, r *queue.Runner) error {
	if err := stopRunner(r, c.stopTimeout); err != nil {
		return err
	}
	c.mu.Lock()
	if c.queues[qid] == r {
		delete(c.queues, qid)
	}
	c.mu.Unlock()
	return nil
}

// stopRunner cancels r and waits up to timeout for it to exit. A runner
// that times out is left running and is not closed.
func stopRunner(r *queue.Runner, timeout time.Duration) error {
	r.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.Done():
	case <-timer.C:
		return fmt.Errorf("%w: %d", ErrStopTimeout, r.QueueID())
	}
	return r.Close()
}

// stopAll tears down every queue pair concurrently. Pairs that time out
// remain registered.
func (c *Controller) stopAll() error {
	c.mu.Lock()
	runners := maps.Clone(c.queues)
	c.mu.Unlock()

	var g errgroup.Group
	for qid, r := range runners {
		g.Go(func() error {
			return c.stopQueue(qid, r)
		})
	}
	return g.Wait()
}

// Reset deletes all queue pairs, zeroes the doorbells and clears the fatal
// status
func (c *Controller) Reset() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	err := c.stopAll()
	for i := 0; i < c.doorbells.Len(); i++ {
		c.doorbells.Write(i, 0)
	}

	c.faultMu.Lock()
	c.faultErr = nil
	c.faultMu.Unlock()
	c.fatal.Store(false)

	c.logger.Info("controller reset")
	return err
}

// Close stops all queue tasks and releases the doorbell register file
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.stopAll()
	c.cancel()
	c.doorbells.Close()
	c.logger.Debug("controller closed")
	return err
}

// onFault runs on a queue task that stopped on a guest error
func (c *Controller) onFault(qid uint16, err error) {
	c.faultMu.Lock()
	if c.faultErr == nil {
		c.faultErr = fmt.Errorf("queue %d: %w", qid, err)
	}
	c.faultMu.Unlock()
	c.fatal.Store(true)
	c.logger.WithError(err).QueueFault(qid)
}

// Fatal returns the first queue error that put the controller into the
// fatal state, or nil
func (c *Controller) Fatal() error {
	if !c.fatal.Load() {
		return nil
	}
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	return c.faultErr
}

func (c *Controller) Queues() []uint16 {
	c.mu.Lock()
	qids := make([]uint16, 0, len(c.queues))
	for qid := range c.queues {
		qids = append(qids, qid)
	}
	c.mu.Unlock()
	slices.Sort(qids)
	return qids
}

func (c *Controller) Info() Info {
	return Info{
		ControllerID: c.id,
		MaxIOQueues:  c.maxIOQueues,
		Doorbells:    c.doorbells.Len(),
		Queues:       c.Queues(),
		Fatal:        c.fatal.Load(),
	}
}
