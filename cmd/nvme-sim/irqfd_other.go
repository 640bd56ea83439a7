//go:build !linux

package main

import "github.com/ehrlich-b/go-nvme/internal/uring"

func newIRQFD(vectors int) (interrupter, error) {
	return nil, uring.ErrNotSupported
}
