package nvme

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/ehrlich-b/go-nvme/internal/regs"
)

// HandlerFunc adapts a function to the CommandHandler interface
type HandlerFunc func(ctx context.Context, qid uint16, cmd *Command) Completion

func (f HandlerFunc) HandleCommand(ctx context.Context, qid uint16, cmd *Command) Completion {
	return f(ctx, qid, cmd)
}

// InterruptFunc adapts a function to the Interrupter interface
type InterruptFunc func(vector uint16) error

func (f InterruptFunc) Signal(vector uint16) error {
	return f(vector)
}

// MockHandler completes every command with a configurable status and
// records the commands it saw.
// This is useful for unit testing code that drives a controller.
type MockHandler struct {
	mu       sync.RWMutex
	status   Status
	latency  time.Duration
	commands []Command
	perQueue map[uint16]int
}

func NewMockHandler() *MockHandler {
	return &MockHandler{perQueue: make(map[uint16]int)}
}

// HandleCommand implements the CommandHandler interface
func (m *MockHandler) HandleCommand(ctx context.Context, qid uint16, cmd *Command) Completion {
	m.mu.RLock()
	latency := m.latency
	m.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Completion{Status: regs.NewStatus(regs.SCT_GENERIC, regs.SC_ABORTED_SQ_DELETION)}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, *cmd)
	m.perQueue[qid]++
	return Completion{DW0: uint32(cmd.Opcode), Status: m.status}
}

// SetStatus sets the status returned for later commands
func (m *MockHandler) SetStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// SetLatency makes every command take at least d
func (m *MockHandler) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Commands returns a copy of the commands handled so far
func (m *MockHandler) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Command(nil), m.commands...)
}

// CommandCount returns the number of commands handled on queue qid
func (m *MockHandler) CommandCount(qid uint16) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perQueue[qid]
}

// MockInterrupter counts signals per vector and notifies waiters
type MockInterrupter struct {
	mu      sync.Mutex
	signals map[uint16]uint64
	err     error
	notify  chan struct{}
}

func NewMockInterrupter() *MockInterrupter {
	return &MockInterrupter{
		signals: make(map[uint16]uint64),
		notify:  make(chan struct{}, 1),
	}
}

// Signal implements the Interrupter interface
func (m *MockInterrupter) Signal(vector uint16) error {
	m.mu.Lock()
	m.signals[vector]++
	err := m.err
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return err
}

// SetError makes later signals return err
func (m *MockInterrupter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Signals returns how many times vector was signalled
func (m *MockInterrupter) Signals(vector uint16) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals[vector]
}

// C receives after one or more signals
func (m *MockInterrupter) C() <-chan struct{} {
	return m.notify
}

// ErrSubmissionQueueFull is returned by GuestQueue.Submit when every slot
// is in use
var ErrSubmissionQueueFull = errors.New("nvme: submission queue full")

// GuestQueue drives one queue pair from the guest side: it writes
// submission entries, rings the tail doorbell through WriteBAR0, consumes
// completions by phase bit and rings the head doorbell. It is not safe for
// concurrent use.
type GuestQueue struct {
	c      *Controller
	mem    GuestMemory
	pair   QueuePair
	sqTail uint32
	sqHead uint32 // as reported by the last completion
	cqHead uint32
	phase  bool
	sqe    [SQEntrySize]byte
	cqe    [CQEntrySize]byte
	db     [4]byte
}

// NewGuestQueue returns a driver for pair, which must already be created
// on c
func NewGuestQueue(c *Controller, pair QueuePair) *GuestQueue {
	return &GuestQueue{
		c:     c,
		mem:   c.params.GuestMemory,
		pair:  pair,
		phase: true,
	}
}

// Submit writes cmd at the submission tail and rings the tail doorbell
func (g *GuestQueue) Submit(cmd *Command) error {
	next := (g.sqTail + 1) % g.pair.SQSize
	if next == g.sqHead {
		return ErrSubmissionQueueFull
	}
	regs.EncodeCommand(g.sqe[:], cmd)
	off := int64(g.pair.SQAddr) + int64(g.sqTail)*SQEntrySize
	if _, err := g.mem.WriteAt(g.sqe[:], off); err != nil {
		return err
	}
	g.sqTail = next
	return g.ring(SQTailDoorbell(g.pair.ID), g.sqTail)
}

// Reap copies posted completions into out, advances the completion head
// and rings the head doorbell if anything was consumed
func (g *GuestQueue) Reap(out []Completion) (int, error) {
	n := 0
	for n < len(out) {
		off := int64(g.pair.CQAddr) + int64(g.cqHead)*CQEntrySize
		if _, err := g.mem.ReadAt(g.cqe[:], off); err != nil {
			return n, err
		}
		if regs.CompletionPhase(g.cqe[:]) != g.phase {
			break
		}
		if err := regs.DecodeCompletion(g.cqe[:], &out[n]); err != nil {
			return n, err
		}
		g.sqHead = uint32(out[n].SQHead)
		n++

		g.cqHead++
		if g.cqHead == g.pair.CQSize {
			g.cqHead = 0
			g.phase = !g.phase
		}
	}
	if n > 0 {
		return n, g.ring(CQHeadDoorbell(g.pair.ID), g.cqHead)
	}
	return 0, nil
}

// Outstanding returns the number of submitted commands the controller had
// not fetched as of the last completion reaped
func (g *GuestQueue) Outstanding() uint32 {
	return (g.sqTail + g.pair.SQSize - g.sqHead) % g.pair.SQSize
}

func (g *GuestQueue) ring(addr uint16, value uint32) error {
	binary.LittleEndian.PutUint32(g.db[:], value)
	return g.c.WriteBAR0(addr, g.db[:])
}

// Compile-time interface checks
var (
	_ CommandHandler = (*MockHandler)(nil)
	_ CommandHandler = HandlerFunc(nil)
	_ Interrupter    = (*MockInterrupter)(nil)
	_ Interrupter    = InterruptFunc(nil)
)
