//go:build linux

package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvme/internal/uring"
)

// irqfd signals one eventfd per vector through an io_uring notifier, the
// way interrupts reach a guest through KVM irqfds
type irqfd struct {
	n      *uring.Notifier
	totals []uint64
}

func newIRQFD(vectors int) (interrupter, error) {
	n, err := uring.NewNotifier(uring.Config{Vectors: vectors})
	if err != nil {
		return nil, err
	}
	return &irqfd{n: n, totals: make([]uint64, vectors)}, nil
}

func (i *irqfd) Signal(vector uint16) error {
	return i.n.Signal(vector)
}

// Counts drains every eventfd counter. It must not race with itself.
func (i *irqfd) Counts() ([]uint64, error) {
	if err := i.n.Flush(); err != nil {
		return nil, err
	}
	buf := make([]byte, 8)
	for v := range i.totals {
		fd, err := i.n.FD(uint16(v))
		if err != nil {
			return nil, err
		}
		_, err = unix.Read(fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read eventfd for vector %d: %w", v, err)
		}
		i.totals[v] += binary.NativeEndian.Uint64(buf)
	}
	return append([]uint64(nil), i.totals...), nil
}

func (i *irqfd) Close() error {
	return i.n.Close()
}
