package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/interfaces"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

// ErrAlreadyStarted is returned by Start on a running queue
var ErrAlreadyStarted = errors.New("queue runner already started")

// FaultInjector inspects each command fetched from a submission queue. A
// non-nil result replaces the command: it is written back over the fetched
// entry in guest memory and dispatched in its place.
type FaultInjector func(ctx context.Context, qid uint16, cmd *regs.Command) *regs.Command

// RingConfig places one ring in guest memory
type RingConfig struct {
	GPA   uint64 // guest physical base address
	Depth uint32 // number of entries
}

type Config struct {
	QueueID     uint16
	SQ          RingConfig
	CQ          RingConfig
	Vector      uint16 // interrupt vector for the completion queue
	Doorbells   *doorbell.Memory
	Memory      interfaces.GuestMemory
	Handler     interfaces.CommandHandler
	Interrupter interfaces.Interrupter
	Observer    interfaces.Observer
	Logger      *logging.Logger

	// OnFault is called from the runner goroutine when the guest drives the
	// queue into an error state (optional)
	OnFault func(qid uint16, err error)

	// SQFaultInjector rewrites fetched commands for testing (optional)
	SQFaultInjector FaultInjector
}

// Runner is the task serving one submission/completion queue pair. It owns
// the SQ tail and CQ head doorbell states and parks on a single waker
// shared by both.
type Runner struct {
	queueID  uint16
	sq       *SubmissionQueue
	cq       *CompletionQueue
	waker    *doorbell.ChanWaker
	handler  interfaces.CommandHandler
	observer interfaces.Observer
	logger   *logging.Logger
	onFault  func(qid uint16, err error)
	inject   FaultInjector

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	err     error

	// completion waiting for a free CQ slot
	completion regs.Completion
	pending    bool
}

func validateRing(name string, ring RingConfig, entrySize int64, mem interfaces.GuestMemory) error {
	if ring.Depth < constants.MinQueueDepth || ring.Depth > constants.MaxQueueDepth {
		return fmt.Errorf("%w: %s depth %d not in [%d,%d]", ErrInvalidQueueConfig, name, ring.Depth, constants.MinQueueDepth, constants.MaxQueueDepth)
	}
	end := int64(ring.GPA) + int64(ring.Depth)*entrySize
	if int64(ring.GPA) < 0 || end > mem.Size() {
		return fmt.Errorf("%w: %s ring [%#x,%#x) outside guest memory", ErrInvalidQueueConfig, name, ring.GPA, end)
	}
	return nil
}

// NewRunner binds the queue pair's doorbells and prepares the runner. The
// runner does not process commands until Start.
func NewRunner(ctx context.Context, config Config) (*Runner, error) {
	if config.Doorbells == nil || config.Memory == nil || config.Handler == nil {
		return nil, fmt.Errorf("%w: doorbells, memory and handler are required", ErrInvalidQueueConfig)
	}
	if err := validateRing("sq", config.SQ, regs.SQE_SIZE, config.Memory); err != nil {
		return nil, err
	}
	if err := validateRing("cq", config.CQ, regs.CQE_SIZE, config.Memory); err != nil {
		return nil, err
	}

	sqIndex := regs.SQTailDoorbell(config.QueueID)
	cqIndex := regs.CQHeadDoorbell(config.QueueID)
	if cqIndex >= config.Doorbells.Len() {
		return nil, fmt.Errorf("%w: queue %d has no doorbells (%d configured)", ErrInvalidQueueConfig, config.QueueID, config.Doorbells.Len())
	}

	if config.Logger != nil {
		config.Logger.Debugf("creating queue runner for queue %d (sq depth %d, cq depth %d)", config.QueueID, config.SQ.Depth, config.CQ.Depth)
	}

	tail, err := config.Doorbells.Bind(sqIndex)
	if err != nil {
		return nil, fmt.Errorf("bind sq %d tail doorbell: %w", config.QueueID, err)
	}
	head, err := config.Doorbells.Bind(cqIndex)
	if err != nil {
		tail.Close()
		return nil, fmt.Errorf("bind cq %d head doorbell: %w", config.QueueID, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Runner{
		queueID:  config.QueueID,
		sq:       NewSubmissionQueue(tail, config.Memory, config.SQ.GPA, config.SQ.Depth),
		cq:       NewCompletionQueue(head, config.Memory, config.Interrupter, config.CQ.GPA, config.CQ.Depth, config.Vector),
		waker:    doorbell.NewChanWaker(),
		handler:  config.Handler,
		observer: config.Observer,
		logger:   config.Logger,
		onFault:  config.OnFault,
		inject:   config.SQFaultInjector,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// QueueID returns the queue pair identifier
func (r *Runner) QueueID() uint16 {
	return r.queueID
}

// Start begins processing commands on a new goroutine
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("queue %d: runner closed", r.queueID)
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	if r.logger != nil {
		r.logger.Printf("Starting queue %d", r.queueID)
	}
	go r.ioLoop()
	return nil
}

// Stop asks the runner to exit; it does not wait
func (r *Runner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Done is closed when the runner goroutine has exited
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that stopped the runner, if any. Valid after Done.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops the runner, waits for it to exit and releases the doorbells
func (r *Runner) Close() error {
	r.Stop()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	if !started {
		r.sq.Close()
		r.cq.Close()
		close(r.done)
		return nil
	}
	<-r.done
	return nil
}

// ioLoop is the main processing loop
func (r *Runner) ioLoop() {
	defer close(r.done)
	defer r.cq.Close()
	defer r.sq.Close()

	if r.logger != nil {
		r.logger.Debugf("Queue %d: I/O loop ready for processing", r.queueID)
	}

	err := r.processRequests()

	if err != nil {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Warnf("Queue %d: stopped on error: %v", r.queueID, err)
		}
		if r.onFault != nil {
			r.onFault(r.queueID, err)
		}
		return
	}

	if r.logger != nil {
		r.logger.Debugf("Queue %d: I/O loop stopping", r.queueID)
	}
}

// processRequests alternates between posting the pending completion and
// fetching the next command, parking when neither can make progress
func (r *Runner) processRequests() error {
	var cmd regs.Command
	for {
		if r.ctx.Err() != nil {
			return nil
		}

		if r.pending {
			posted, err := r.cq.Write(r.waker, &r.completion)
			if posted {
				r.pending = false
				if r.observer != nil {
					r.observer.ObserveCompletion(r.queueID)
				}
				if err != nil && r.logger != nil {
					r.logger.Warnf("Queue %d: %v", r.queueID, err)
				}
			} else if err != nil {
				return err
			} else {
				if r.observer != nil {
					r.observer.ObserveCompletionQueueFull(r.queueID)
				}
				if !r.park(r.cq.head.Index()) {
					return nil
				}
				continue
			}
		}

		ok, err := r.sq.Next(r.waker, &cmd)
		if err != nil {
			return err
		}
		if !ok {
			if !r.park(r.sq.tail.Index()) {
				return nil
			}
			continue
		}

		if r.inject != nil {
			if repl := r.inject(r.ctx, r.queueID, &cmd); repl != nil {
				if err := r.sq.Rewrite(repl); err != nil {
					return err
				}
				cmd = *repl
			}
		}

		r.dispatch(&cmd)
	}
}

func (r *Runner) dispatch(cmd *regs.Command) {
	start := time.Now()
	c := r.handler.HandleCommand(r.ctx, r.queueID, cmd)
	latency := time.Since(start)

	c.SQHead = uint16(r.sq.Head())
	c.SQID = r.queueID
	c.CID = cmd.CID

	if r.observer != nil {
		r.observer.ObserveCommand(r.queueID, uint64(latency.Nanoseconds()), c.Status.Success())
	}
	if r.logger != nil && !c.Status.Success() {
		r.logger.WithCommand(cmd.CID, cmd.Opcode).CommandFailed(c.Status)
	}

	r.completion = c
	r.pending = true
}

// park blocks until a doorbell wakes the runner. index is the doorbell the
// runner is waiting on, for the observer. It returns false when the runner
// is being stopped.
func (r *Runner) park(index int) bool {
	start := time.Now()
	select {
	case <-r.waker.C():
		if r.observer != nil {
			r.observer.ObservePark(index, uint64(time.Since(start).Nanoseconds()))
		}
		return true
	case <-r.ctx.Done():
		return false
	}
}
