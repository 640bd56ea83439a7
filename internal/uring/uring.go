// Package uring delivers completion interrupts to the guest through eventfds
// written by an io_uring, one eventfd per interrupt vector. The hypervisor
// registers each eventfd as an irqfd.
package uring

import "errors"

var (
	ErrNotSupported  = errors.New("uring: io_uring notifier not supported on this platform")
	ErrInvalidVector = errors.New("uring: interrupt vector out of range")
	ErrClosed        = errors.New("uring: notifier closed")
)

// Config describes a notifier
type Config struct {
	Vectors int    // number of interrupt vectors, one eventfd each
	Entries uint32 // submission ring size
}
