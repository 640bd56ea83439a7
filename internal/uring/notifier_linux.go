//go:build linux

package uring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvme/internal/constants"
)

var errReapFailed = errors.New("uring: reap")

// Notifier implements interfaces.Interrupter. Signal queues an 8-byte
// eventfd write and returns without waiting for it; completions are reaped
// on later calls and by Flush.
type Notifier struct {
	mu       sync.Mutex
	ring     *giouring.Ring
	entries  uint32
	fds      []int
	one      []byte // eventfd increment, native endian
	inflight uint32
	closed   bool
}

// NewNotifier creates the eventfds and the ring
func NewNotifier(config Config) (*Notifier, error) {
	if config.Vectors <= 0 || config.Vectors > 0x10000 {
		return nil, fmt.Errorf("%w: %d vectors", ErrInvalidVector, config.Vectors)
	}
	if config.Entries == 0 {
		config.Entries = constants.DefaultNotifierEntries
	}

	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}

	n := &Notifier{
		ring:    ring,
		entries: config.Entries,
		fds:     make([]int, 0, config.Vectors),
		one:     make([]byte, 8),
	}
	binary.NativeEndian.PutUint64(n.one, 1)

	for i := 0; i < config.Vectors; i++ {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			n.closeFDs()
			ring.QueueExit()
			return nil, fmt.Errorf("uring: eventfd for vector %d: %w", i, err)
		}
		n.fds = append(n.fds, fd)
	}
	return n, nil
}

// FD returns the eventfd signalled for vector
func (n *Notifier) FD(vector uint16) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return -1, ErrClosed
	}
	if int(vector) >= len(n.fds) {
		return -1, fmt.Errorf("%w: %d", ErrInvalidVector, vector)
	}
	return n.fds[vector], nil
}

// Signal raises the interrupt for vector. The returned error reports the
// submission or a failed write reaped along the way.
func (n *Notifier) Signal(vector uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if int(vector) >= len(n.fds) {
		return fmt.Errorf("%w: %d", ErrInvalidVector, vector)
	}

	reapErr := n.reap(false)
	for n.inflight >= n.entries {
		if err := n.reap(true); errors.Is(err, errReapFailed) {
			return err
		} else if err != nil && reapErr == nil {
			reapErr = err
		}
	}

	sqe := n.ring.GetSQE()
	if sqe == nil {
		if _, err := n.ring.Submit(); err != nil {
			return fmt.Errorf("uring: submit: %w", err)
		}
		if sqe = n.ring.GetSQE(); sqe == nil {
			return errors.New("uring: submission queue full")
		}
	}
	sqe.PrepareWrite(n.fds[vector], uintptr(unsafe.Pointer(&n.one[0])), uint32(len(n.one)), 0)
	sqe.UserData = uint64(vector)

	if _, err := n.ring.Submit(); err != nil {
		return fmt.Errorf("uring: submit: %w", err)
	}
	n.inflight++
	return reapErr
}

// reap collects finished writes. With wait set it blocks for at least one.
// Callers hold mu.
func (n *Notifier) reap(wait bool) error {
	var first error
	for n.inflight > 0 {
		var cqe *giouring.CompletionQueueEvent
		var err error
		if wait {
			cqe, err = n.ring.WaitCQE()
		} else {
			cqe, err = n.ring.PeekCQE()
		}
		if wait && errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", errReapFailed, err)
		}
		if cqe == nil {
			break
		}

		res := cqe.Res
		vector := cqe.UserData
		n.ring.CQESeen(cqe)
		n.inflight--
		wait = false

		// EAGAIN means the counter is saturated and the interrupt is pending
		if res < 0 && unix.Errno(-res) != unix.EAGAIN && first == nil {
			first = fmt.Errorf("uring: eventfd write for vector %d: %w", vector, unix.Errno(-res))
		}
	}
	runtime.KeepAlive(n.one)
	return first
}

// Flush waits until every queued signal has been written
func (n *Notifier) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	var first error
	for n.inflight > 0 {
		err := n.reap(true)
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if errors.Is(err, errReapFailed) {
			break
		}
	}
	return first
}

func (n *Notifier) closeFDs() {
	for _, fd := range n.fds {
		unix.Close(fd)
	}
	n.fds = nil
}

// Close drains in-flight writes and releases the ring and eventfds
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for n.inflight > 0 {
		if err := n.reap(true); errors.Is(err, errReapFailed) {
			break
		}
	}
	n.ring.QueueExit()
	n.closeFDs()
	return nil
}
